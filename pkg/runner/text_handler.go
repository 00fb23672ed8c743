package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/protocol"
	"github.com/muesli/termenv"
)

// ContentRenderer turns prompt markdown into terminal output.
type ContentRenderer func(string) (string, error)

// TextHandler prints run progress for humans and prompts for every node
// waiting for input. Prompts are asked one at a time, in request order; a
// rejected answer asks again.
type TextHandler struct {
	Reader   *bufio.Reader
	Writer   io.Writer
	Renderer ContentRenderer

	out *termenv.Output
	mu  sync.Mutex

	qmu     sync.Mutex
	queue   []prompt
	asked   map[string]bool
	sent    map[string]prompt
	wake    chan struct{}
	verbose bool
}

type prompt struct {
	runID  string
	nodeID string
	req    domain.InputRequest
}

// TextHandlerOption defines configuration for TextHandler.
type TextHandlerOption func(*TextHandler)

// WithTextHandlerRenderer configures the content renderer.
func WithTextHandlerRenderer(renderer ContentRenderer) TextHandlerOption {
	return func(h *TextHandler) {
		h.Renderer = renderer
	}
}

// WithColorProfile forces a color profile instead of detecting one.
func WithColorProfile(p termenv.Profile) TextHandlerOption {
	return func(h *TextHandler) {
		h.out = termenv.NewOutput(h.Writer, termenv.WithProfile(p))
	}
}

// WithVerbose also prints node outputs and heartbeats.
func WithVerbose(v bool) TextHandlerOption {
	return func(h *TextHandler) {
		h.verbose = v
	}
}

// NewTextHandler creates a handler for standard text IO.
func NewTextHandler(r io.Reader, w io.Writer, opts ...TextHandlerOption) *TextHandler {
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}
	h := &TextHandler{
		Reader: bufio.NewReader(r),
		Writer: w,
		out:    termenv.NewOutput(w),
		asked:  make(map[string]bool),
		sent:   make(map[string]prompt),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *TextHandler) Output(_ context.Context, env protocol.Envelope) error {
	p, err := protocol.Decode(env)
	if err != nil {
		return err
	}
	switch v := p.(type) {
	case protocol.Snapshot:
		h.printf("%s %s %s\n", h.style("▸", "12"), h.bold(v.GraphID), h.faint("run "+v.RunID+" "+string(v.Status)))
		for _, n := range v.Nodes {
			if n.AwaitingInput && n.Request != nil {
				h.enqueue(prompt{runID: v.RunID, nodeID: n.ID, req: *n.Request})
			}
		}
	case protocol.Event:
		h.event(v.Event)
	case protocol.Error:
		h.printf("%s %s\n", h.style("error:", "9"), v.Message)
		h.retry(env.SourceMsgID)
	case protocol.Ack:
		h.qmu.Lock()
		delete(h.sent, env.SourceMsgID)
		h.qmu.Unlock()
	case protocol.Status:
		if h.verbose {
			h.printf("%s\n", h.faint(fmt.Sprintf("· %s (seq %d)", v.Status, v.Seq)))
		}
	}
	return nil
}

func (h *TextHandler) event(ev domain.Event) {
	switch ev.Type {
	case domain.EventNodeStarted:
		h.printf("  %s %s\n", h.style("●", "11"), ev.NodeID)
	case domain.EventNodeSucceeded:
		h.answered(ev.NodeID)
		line := fmt.Sprintf("  %s %s", h.style("✓", "10"), ev.NodeID)
		if h.verbose && ev.Output != nil {
			line += " " + h.faint(compact(ev.Output))
		}
		h.printf("%s\n", line)
	case domain.EventNodeFailed:
		h.answered(ev.NodeID)
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		if ev.Recovered {
			msg += " (recovered)"
		}
		h.printf("  %s %s %s\n", h.style("✗", "9"), ev.NodeID, msg)
	case domain.EventNodeSkipped:
		h.answered(ev.NodeID)
		h.printf("  %s\n", h.faint(fmt.Sprintf("- %s skipped %s", ev.NodeID, ev.Reason)))
	case domain.EventNodeCancelled:
		h.answered(ev.NodeID)
		h.printf("  %s\n", h.faint(fmt.Sprintf("- %s cancelled", ev.NodeID)))
	case domain.EventNodeInputRequested:
		if ev.Request != nil {
			h.enqueue(prompt{runID: ev.RunID, nodeID: ev.NodeID, req: *ev.Request})
		}
	case domain.EventRunStatus:
		line := fmt.Sprintf("run %s", ev.Status)
		if ev.Reason != "" {
			line += ": " + ev.Reason
		}
		color := "12"
		switch ev.Status {
		case domain.RunCompleted:
			color = "10"
		case domain.RunFailed, domain.RunCancelled:
			color = "9"
		}
		h.printf("%s %s\n", h.style("▸", color), line)
	}
}

func (h *TextHandler) Inbound(ctx context.Context) <-chan protocol.Envelope {
	out := make(chan protocol.Envelope)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			text, err := h.Reader.ReadString('\n')
			if text != "" || err == nil {
				select {
				case lines <- text:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(out)
		for {
			p, ok := h.next(ctx)
			if !ok {
				return
			}
			h.ask(p)

			var value any
			for {
				var text string
				select {
				case text, ok = <-lines:
					if !ok {
						return
					}
				case <-ctx.Done():
					return
				}
				clean, err := SanitizeInput(strings.TrimSpace(text))
				if err != nil {
					h.printf("Error: %v. Please try again.\n> ", err)
					continue
				}
				value = parseAnswer(clean, p.req)
				break
			}

			env, err := protocol.Wrap(p.runID, protocol.InputResp{NodeID: p.nodeID, Value: value})
			if err != nil {
				return
			}
			h.qmu.Lock()
			h.sent[env.MsgID] = p
			h.qmu.Unlock()

			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (h *TextHandler) ask(p prompt) {
	text := p.req.Prompt
	if h.Renderer != nil {
		if rendered, err := h.Renderer(text); err == nil {
			text = strings.TrimSpace(rendered)
		}
	}
	var hints []string
	if len(p.req.Options) > 0 {
		hints = append(hints, "["+strings.Join(p.req.Options, "/")+"]")
	}
	if p.req.Default != nil {
		hints = append(hints, fmt.Sprintf("(default: %v)", p.req.Default))
	}
	line := fmt.Sprintf("%s %s", h.style("?", "14"), text)
	if len(hints) > 0 {
		line += " " + h.faint(strings.Join(hints, " "))
	}
	h.printf("%s\n> ", line)
}

// parseAnswer sends JSON values as such when the request carries a schema;
// everything else is text. An empty line lets the node apply its default.
func parseAnswer(text string, req domain.InputRequest) any {
	if text == "" {
		return nil
	}
	if req.Schema != nil {
		var v any
		if err := json.Unmarshal([]byte(text), &v); err == nil {
			return v
		}
	}
	return text
}

func (h *TextHandler) enqueue(p prompt) {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	if h.asked[p.nodeID] {
		return
	}
	h.asked[p.nodeID] = true
	h.queue = append(h.queue, p)
	h.signal()
}

// retry asks again when the rejected packet was an answer.
func (h *TextHandler) retry(source string) {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	p, ok := h.sent[source]
	if !ok {
		return
	}
	delete(h.sent, source)
	h.queue = append(h.queue, p)
	h.signal()
}

// answered forgets a node once it leaves the waiting state, so that a loop
// may ask again.
func (h *TextHandler) answered(nodeID string) {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	delete(h.asked, nodeID)
}

func (h *TextHandler) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *TextHandler) next(ctx context.Context) (prompt, bool) {
	for {
		h.qmu.Lock()
		if len(h.queue) > 0 {
			p := h.queue[0]
			h.queue = h.queue[1:]
			h.qmu.Unlock()
			return p, true
		}
		h.qmu.Unlock()
		select {
		case <-h.wake:
		case <-ctx.Done():
			return prompt{}, false
		}
	}
}

func (h *TextHandler) printf(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.Writer, format, args...)
}

func (h *TextHandler) style(s, color string) string {
	return h.out.String(s).Foreground(h.out.Color(color)).String()
}

func (h *TextHandler) bold(s string) string {
	return h.out.String(s).Bold().String()
}

func (h *TextHandler) faint(s string) string {
	return h.out.String(s).Faint().String()
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	if len(b) > 120 {
		return string(b[:117]) + "..."
	}
	return string(b)
}
