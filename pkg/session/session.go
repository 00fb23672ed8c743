package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/protocol"
)

// Session streams one run to one client.
type Session struct {
	hub   *Hub
	runID string
	log   *slog.Logger

	out     chan protocol.Envelope
	replies chan protocol.Envelope
	resub   chan string

	mu       sync.Mutex
	handling int
	ended    bool
	idle     chan struct{}

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// RunID returns the run the session follows.
func (s *Session) RunID() string {
	return s.runID
}

// Packets returns the outbound stream. It is closed when the session ends.
func (s *Session) Packets() <-chan protocol.Envelope {
	return s.out
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Handle applies an inbound packet and queues the reply on the stream.
// A subscribe_req for this run restarts the stream with a fresh snapshot.
// Packets addressed to another run are rejected with a bad_request error.
func (s *Session) Handle(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.handling++
	s.mu.Unlock()
	defer s.handled()

	if env.RunID == "" {
		env.RunID = s.runID
	}
	if env.Kind == protocol.KindSubscribeReq && env.RunID == s.runID {
		select {
		case s.resub <- env.MsgID:
			return nil
		case <-s.done:
			return ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var reply protocol.Envelope
	if env.RunID != s.runID {
		err := fmt.Errorf("%w: run_id %q does not match session run %q", protocol.ErrMalformedPacket, env.RunID, s.runID)
		env.RunID = s.runID
		reply = s.hub.reply(env, err)
	} else {
		reply = s.hub.answer(ctx, env)
	}
	select {
	case s.replies <- reply:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handling--
	if s.handling == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// Close ends the session and waits for the stream to close.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
}

// pump is the only writer of s.out.
func (s *Session) pump(ctx context.Context, sub *runtime.Subscription) {
	defer close(s.done)
	defer close(s.out)
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	tick := time.NewTicker(s.hub.heartbeat)
	defer tick.Stop()

	if !s.send(ctx, protocol.Snapshot{Snapshot: sub.Snapshot}, "") {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return

		case ev, ok := <-sub.Events:
			if ok {
				if !s.send(ctx, protocol.Event{Event: ev}, "") {
					return
				}
				continue
			}
			sub.Close()
			sub = nil
			snap, err := s.hub.ctrl.Snapshot(s.runID)
			if err != nil || snap.Status.Terminal() {
				s.finish(ctx)
				return
			}
			s.log.Warn("subscriber fell behind, sending a fresh snapshot")
			if sub = s.resubscribe(ctx, ""); sub == nil {
				return
			}

		case src := <-s.resub:
			sub.Close()
			if sub = s.resubscribe(ctx, src); sub == nil {
				return
			}

		case env := <-s.replies:
			if !s.forward(ctx, env) {
				return
			}

		case <-tick.C:
			snap, err := s.hub.ctrl.Snapshot(s.runID)
			if err != nil {
				return
			}
			status := protocol.Status{Status: snap.Status, Seq: snap.Seq, Time: s.hub.now().UTC()}
			if !s.send(ctx, status, "") {
				return
			}
		}
	}
}

// resubscribe acknowledges src when set, then restarts the stream.
func (s *Session) resubscribe(ctx context.Context, src string) *runtime.Subscription {
	sub, err := s.hub.ctrl.Subscribe(s.runID)
	if src != "" {
		var reply protocol.Packet = protocol.Ack{}
		if err != nil {
			reply = protocol.ErrorFor(err)
		}
		if !s.send(ctx, reply, src) {
			if sub != nil {
				sub.Close()
			}
			return nil
		}
	}
	if err != nil {
		s.log.Warn("resubscribe failed", "err", err)
		return nil
	}
	if !s.send(ctx, protocol.Snapshot{Snapshot: sub.Snapshot}, "") {
		sub.Close()
		return nil
	}
	return sub
}

// finish refuses new packets and forwards the replies of the ones being
// handled, so that a request that ended the run still gets its ack.
func (s *Session) finish(ctx context.Context) {
	s.mu.Lock()
	s.ended = true
	if s.handling == 0 {
		s.mu.Unlock()
		s.flushReplies(ctx)
		return
	}
	idle := make(chan struct{})
	s.idle = idle
	s.mu.Unlock()

	for {
		select {
		case env := <-s.replies:
			if !s.forward(ctx, env) {
				return
			}
		case src := <-s.resub:
			if sub := s.resubscribe(ctx, src); sub != nil {
				sub.Close()
			}
		case <-idle:
			s.flushReplies(ctx)
			return
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		}
	}
}

func (s *Session) flushReplies(ctx context.Context) {
	for {
		select {
		case env := <-s.replies:
			if !s.forward(ctx, env) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) send(ctx context.Context, p protocol.Packet, source string) bool {
	env, err := protocol.Reply(s.runID, source, p)
	if err != nil {
		s.log.Error("encode packet", "kind", p.Kind(), "err", err)
		return true
	}
	return s.forward(ctx, env)
}

func (s *Session) forward(ctx context.Context, env protocol.Envelope) bool {
	select {
	case s.out <- env:
		s.hub.metrics.PacketSent(string(env.Kind))
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}
