package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/graph"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/schema"
)

// runLoop owns one run. Until done is closed, state is only touched by the
// loop goroutine; afterwards it is frozen and guarded by mu.
type runLoop struct {
	e      *Engine
	plan   *graph.Plan
	run    *domain.Run
	events []domain.Event
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	due    time.Time // run deadline, zero for none
	timer  *time.Timer
	grace  *time.Timer // started when the run ends with executors in flight

	cmds    chan func()
	results chan result

	inflight    map[string]int // node id -> attempt of the executor call in flight
	outstanding int            // executor goroutines that have not reported back
	abandoned   bool
	closing     bool

	subs map[*subscriber]struct{}

	finished chan struct{} // closed once the run is terminal
	done     chan struct{} // closed once the loop goroutine has exited
	mu       sync.Mutex
}

type subscriber struct {
	ch     chan domain.Event
	closed bool
}

type result struct {
	nodeID  string
	attempt int
	output  any
	err     error
	elapsed time.Duration
}

// newRunLoop prepares the loop of run. A non-zero due becomes the deadline
// of every executor context.
func newRunLoop(e *Engine, plan *graph.Plan, run *domain.Run, due time.Time) *runLoop {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if due.IsZero() {
		ctx, cancel = context.WithCancel(context.Background())
	} else {
		ctx, cancel = context.WithDeadline(context.Background(), due)
	}
	l := &runLoop{
		e:        e,
		plan:     plan,
		run:      run,
		log:      e.logger.With("run_id", run.ID, "graph_id", plan.Graph().ID),
		ctx:      ctx,
		cancel:   cancel,
		due:      due,
		cmds:     make(chan func()),
		results:  make(chan result),
		inflight: make(map[string]int),
		subs:     make(map[*subscriber]struct{}),
		finished: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if !due.IsZero() {
		l.timer = time.NewTimer(time.Until(due))
	}
	return l
}

// do runs fn on the loop goroutine and waits for it, or runs it under mu
// once the loop has exited.
func (l *runLoop) do(fn func()) {
	ack := make(chan struct{})
	select {
	case l.cmds <- func() { fn(); close(ack) }:
		<-ack
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		fn()
	}
}

func (l *runLoop) loop(init func()) {
	defer l.exit()
	init()
	l.advance()
	for !l.exitable() {
		select {
		case fn := <-l.cmds:
			fn()
		case res := <-l.results:
			l.complete(res)
		case <-l.deadline():
			l.expire()
		case <-l.graceExpired():
			l.abandon()
		}
		if !l.closing {
			l.advance()
		}
	}
}

func (l *runLoop) exitable() bool {
	if !l.run.Status.Terminal() && !l.closing {
		return false
	}
	return l.outstanding == 0 || l.abandoned
}

func (l *runLoop) exit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		l.dropSub(sub)
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	if l.grace != nil {
		l.grace.Stop()
	}
	l.cancel()
	close(l.done)
}

// freeze marks a finished run that never needs a loop goroutine.
func (l *runLoop) freeze() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.cancel()
	close(l.finished)
	close(l.done)
}

func (l *runLoop) deadline() <-chan time.Time {
	if l.timer == nil {
		return nil
	}
	return l.timer.C
}

func (l *runLoop) graceExpired() <-chan time.Time {
	if l.grace == nil {
		return nil
	}
	return l.grace.C
}

// abandon stops waiting for executors that ignored their cancelled context.
func (l *runLoop) abandon() {
	if l.abandoned || l.outstanding == 0 {
		return
	}
	l.abandoned = true
	l.log.Warn("abandoning executors after cancel grace period", "grace", l.e.cancelGrace, "outstanding", l.outstanding)
}

func (l *runLoop) begin() {
	ev := domain.Event{Type: domain.EventRunCreated, GraphID: l.plan.Graph().ID}
	if !l.due.IsZero() {
		due := l.due.UTC()
		ev.Deadline = &due
	}
	l.emit(ev)
	l.setStatus(domain.RunRunning, "")
}

// restore prepares a restored run: executor calls that were interrupted are
// reset so they are dispatched again.
func (l *runLoop) restore() {
	for _, id := range l.plan.NodeIDs() {
		n := l.run.Nodes[id]
		if n.Status == domain.NodeRunning && !n.AwaitingInput {
			l.emit(domain.Event{Type: domain.EventNodeReset, NodeID: id, Reason: "interrupted"})
		}
	}
	switch {
	case l.run.Status == domain.RunPaused:
	case l.e.autoResume:
		if l.run.Status != domain.RunRunning {
			l.setStatus(domain.RunRunning, "restored")
		}
	default:
		l.setStatus(domain.RunPaused, "restored")
	}
}

func (l *runLoop) setStatus(status domain.RunStatus, reason string) {
	l.emit(domain.Event{Type: domain.EventRunStatus, Status: status, Reason: reason})
}

// emit assigns the next sequence number, applies the event and fans it out.
func (l *runLoop) emit(ev domain.Event) {
	ev.Seq = l.run.Seq + 1
	ev.RunID = l.run.ID
	ev.Time = l.e.now().UTC()
	if err := l.run.Apply(ev); err != nil {
		l.log.Error("event rejected", "type", ev.Type, "node_id", ev.NodeID, "err", err)
		return
	}
	l.events = append(l.events, ev)

	for _, sink := range l.e.sinks {
		sink.OnEvent(ev)
	}
	for sub := range l.subs {
		select {
		case sub.ch <- ev:
		default:
			l.log.Warn("dropping slow subscriber", "buffer", cap(sub.ch), "seq", ev.Seq)
			l.dropSub(sub)
		}
	}

	if ev.Type == domain.EventRunStatus && ev.Status.Terminal() {
		close(l.finished)
		for sub := range l.subs {
			l.dropSub(sub)
		}
		l.e.metrics.RunFinished(string(ev.Status))
		l.log.Info("run finished", "status", ev.Status, "reason", ev.Reason, "seq", ev.Seq)
	}
}

func (l *runLoop) dropSub(sub *subscriber) {
	delete(l.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// advance schedules until nothing changes: it marks Pending nodes Ready or
// Skipped, dispatches Ready nodes and finishes the run once every node is
// terminal.
func (l *runLoop) advance() {
	for l.run.Status == domain.RunRunning {
		seq := l.run.Seq
		for _, d := range frontier(l.plan, l.run) {
			if d.skip {
				l.emit(domain.Event{Type: domain.EventNodeSkipped, NodeID: d.nodeID, Reason: d.reason})
				continue
			}
			l.emit(domain.Event{Type: domain.EventNodeReady, NodeID: d.nodeID})
		}
		l.dispatch()
		if l.run.Seq == seq {
			break
		}
	}
	if l.run.Status.Terminal() {
		return
	}
	if outcome := l.run.Outcome(); outcome != "" {
		l.terminate(outcome, "")
		return
	}
	if l.run.Status == domain.RunRunning && l.stalled() {
		l.log.Error("run cannot make progress")
		l.terminate(domain.RunFailed, "no node can make progress")
	}
}

func (l *runLoop) stalled() bool {
	if len(l.inflight) > 0 {
		return false
	}
	for _, n := range l.run.Nodes {
		if n.Status == domain.NodeReady || n.AwaitingInput {
			return false
		}
	}
	return true
}

func (l *runLoop) dispatch() {
	for _, id := range l.plan.NodeIDs() {
		if l.run.Status != domain.RunRunning {
			return
		}
		if l.run.Nodes[id].Status != domain.NodeReady {
			continue
		}
		if !l.startNode(id) {
			return
		}
	}
}

// startNode dispatches a Ready node. It returns false when the concurrency
// limit leaves no slot for it.
func (l *runLoop) startNode(id string) bool {
	node, _ := l.plan.Node(id)
	attempt := l.run.Nodes[id].Attempts + 1

	inputs, err := resolveInputs(l.run, node)
	if err != nil {
		l.failNode(id, err)
		return true
	}
	req := domain.ExecRequest{
		RunID:   l.run.ID,
		NodeID:  id,
		Type:    node.Type,
		Config:  node.Config,
		Inputs:  inputs,
		Attempt: attempt,
	}

	ex := l.plan.Executor(id)
	if ir, ok := ex.(ports.InputRequester); ok {
		request, err := ir.RequestInput(l.ctx, req)
		if err != nil {
			l.failNode(id, err)
			return true
		}
		l.emit(domain.Event{
			Type:    domain.EventNodeInputRequested,
			NodeID:  id,
			Attempt: attempt,
			Inputs:  inputs,
			Request: &request,
		})
		l.log.Info("node awaiting input", "node_id", id, "type", node.Type)
		return true
	}

	if l.e.maxConcurrency > 0 && len(l.inflight) >= l.e.maxConcurrency {
		return false
	}
	l.emit(domain.Event{Type: domain.EventNodeStarted, NodeID: id, Attempt: attempt, Inputs: inputs})
	l.inflight[id] = attempt
	l.outstanding++
	l.log.Debug("node started", "node_id", id, "type", node.Type, "attempt", attempt)
	go l.execute(ex, req, l.plan.Timeout(id))
	return true
}

func (l *runLoop) complete(res result) {
	l.outstanding--
	if l.closing {
		return
	}
	if attempt, ok := l.inflight[res.nodeID]; !ok || attempt != res.attempt {
		l.log.Debug("discarding late result", "node_id", res.nodeID, "attempt", res.attempt)
		return
	}
	delete(l.inflight, res.nodeID)

	node, _ := l.plan.Node(res.nodeID)
	if res.err != nil {
		l.e.metrics.NodeExecuted(node.Type, string(domain.NodeFailed), res.elapsed)
		l.failNode(res.nodeID, res.err)
		return
	}
	l.e.metrics.NodeExecuted(node.Type, string(domain.NodeSucceeded), res.elapsed)
	l.log.Debug("node succeeded", "node_id", res.nodeID, "elapsed", res.elapsed)
	l.succeedNode(res.nodeID, res.output)
}

func (l *runLoop) failNode(id string, err error) {
	node, _ := l.plan.Node(id)
	ne := domain.ToNodeError(err)
	recovered := node.Policy() == domain.ContinueOnFailure
	l.emit(domain.Event{Type: domain.EventNodeFailed, NodeID: id, Error: ne, Recovered: recovered})
	l.log.Warn("node failed", "node_id", id, "type", node.Type, "kind", ne.Kind, "recovered", recovered, "err", err)
	if !recovered {
		l.terminate(domain.RunFailed, fmt.Sprintf("node %s failed: %s", id, ne.Message))
	}
}

func (l *runLoop) succeedNode(id string, output any) {
	l.emit(domain.Event{Type: domain.EventNodeSucceeded, NodeID: id, Output: output})
	l.fireLoops(id, output)
}

// fireLoops re-arms the targets of the open loop edges leaving id, together
// with every terminal node forward-reachable from them.
func (l *runLoop) fireLoops(id string, output any) {
	reasons := make(map[string]string)
	for _, edge := range l.plan.LoopsFrom(id) {
		if !edge.Open(output) {
			continue
		}
		if limit := l.maxRuns(edge.To); limit > 0 && l.run.Nodes[edge.To].Attempts >= limit {
			l.log.Warn("loop edge closed: max runs reached", "from", id, "to", edge.To, "max_runs", limit)
			continue
		}
		for _, n := range l.plan.Downstream(edge.To) {
			if _, seen := reasons[n]; !seen && l.run.Nodes[n].Status.Terminal() {
				reasons[n] = fmt.Sprintf("loop %s -> %s", id, edge.To)
			}
		}
	}

	ids := make([]string, 0, len(reasons))
	for n := range reasons {
		ids = append(ids, n)
	}
	sort.Strings(ids)
	for _, n := range ids {
		l.emit(domain.Event{Type: domain.EventNodeReset, NodeID: n, Reason: reasons[n]})
	}
}

func (l *runLoop) maxRuns(id string) int {
	if n, ok := l.plan.Node(id); ok && n.MaxRuns > 0 {
		return n.MaxRuns
	}
	return l.e.defaultMaxRuns
}

// terminate ends the run: unfinished nodes are cancelled, in-flight
// executors are signalled and their results will be discarded.
func (l *runLoop) terminate(status domain.RunStatus, reason string) {
	for _, id := range l.plan.NodeIDs() {
		if !l.run.Nodes[id].Status.Terminal() {
			nodeReason := reason
			if nodeReason == "" {
				nodeReason = string(status)
			}
			l.emit(domain.Event{Type: domain.EventNodeCancelled, NodeID: id, Reason: nodeReason})
		}
	}
	clear(l.inflight)
	l.setStatus(status, reason)
	l.cancel()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.startGrace()
}

// startGrace bounds how long the loop waits for executors that were told
// to stop.
func (l *runLoop) startGrace() {
	if l.outstanding > 0 && l.grace == nil {
		l.grace = time.NewTimer(l.e.cancelGrace)
	}
}

func (l *runLoop) expire() {
	if l.run.Status.Terminal() {
		return
	}
	l.log.Warn("run deadline exceeded", "in_flight", len(l.inflight))
	ids := make([]string, 0, len(l.inflight))
	for id := range l.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		err := classify(l.ctx, context.DeadlineExceeded)
		l.emit(domain.Event{Type: domain.EventNodeFailed, NodeID: id, Error: domain.ToNodeError(err)})
	}
	l.terminate(domain.RunFailed, "run deadline exceeded")
}

func (l *runLoop) requestCancel(reason string) error {
	switch l.run.Status {
	case domain.RunCancelled:
		return nil
	case domain.RunCompleted, domain.RunFailed:
		return fmt.Errorf("%w: %s is %s", domain.ErrRunFinished, l.run.ID, l.run.Status)
	}
	if l.closing {
		return ErrClosed
	}
	l.log.Info("cancelling run", "in_flight", len(l.inflight))
	l.terminate(domain.RunCancelled, reason)
	return nil
}

func (l *runLoop) pause() error {
	switch {
	case l.run.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", domain.ErrRunFinished, l.run.ID, l.run.Status)
	case l.closing:
		return ErrClosed
	case l.run.Status == domain.RunPaused:
		return nil
	}
	l.setStatus(domain.RunPaused, "paused by request")
	return nil
}

func (l *runLoop) resume() error {
	switch {
	case l.run.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", domain.ErrRunFinished, l.run.ID, l.run.Status)
	case l.closing:
		return ErrClosed
	case l.run.Status == domain.RunRunning:
		return nil
	}
	l.setStatus(domain.RunRunning, "resumed")
	return nil
}

func (l *runLoop) provideInput(ctx context.Context, nodeID string, value any) error {
	switch {
	case l.run.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", domain.ErrRunFinished, l.run.ID, l.run.Status)
	case l.closing:
		return ErrClosed
	}
	rn, ok := l.run.Nodes[nodeID]
	if !ok || rn.Status != domain.NodeRunning || !rn.AwaitingInput {
		return fmt.Errorf("%w: %s", domain.ErrNodeNotAwaitingInput, nodeID)
	}

	if rn.Request != nil && rn.Request.Schema != nil {
		s, err := schema.Compile(rn.Request.Schema)
		if err != nil {
			return fmt.Errorf("input schema of node %q: %w", nodeID, err)
		}
		if err := s.Validate(value); err != nil {
			return fmt.Errorf("input for node %q: %w", nodeID, err)
		}
	}

	node, _ := l.plan.Node(nodeID)
	output := value
	if ir, ok := l.plan.Executor(nodeID).(ports.InputRequester); ok {
		req := domain.ExecRequest{
			RunID:   l.run.ID,
			NodeID:  nodeID,
			Type:    node.Type,
			Config:  node.Config,
			Inputs:  rn.Inputs,
			Attempt: rn.Attempts,
		}
		var err error
		if output, err = ir.ResolveInput(ctx, req, value); err != nil {
			return fmt.Errorf("input for node %q: %w", nodeID, err)
		}
	}
	output, err := normalizeOutput(output)
	if err != nil {
		return fmt.Errorf("input for node %q: %w", nodeID, err)
	}

	l.log.Info("input received", "node_id", nodeID)
	l.succeedNode(nodeID, output)
	return nil
}

// shutdown detaches the loop from its executors without recording anything,
// so the persisted history still shows them running.
func (l *runLoop) shutdown() {
	l.closing = true
	clear(l.inflight)
	l.cancel()
	l.startGrace()
}
