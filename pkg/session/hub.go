package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/observability"
	"github.com/aretw0/arbor/pkg/protocol"
)

// DefaultHeartbeat is the interval between status packets.
const DefaultHeartbeat = 15 * time.Second

// ErrSessionClosed is returned when handling packets on a finished session.
var ErrSessionClosed = errors.New("session closed")

// Controller is the part of the engine sessions drive.
type Controller interface {
	Subscribe(runID string) (*runtime.Subscription, error)
	Snapshot(runID string) (domain.Snapshot, error)
	Cancel(runID string) error
	Pause(runID string) error
	Resume(runID string) error
	ProvideInput(ctx context.Context, runID, nodeID string, value any) error
}

// Hub routes packets between clients and the engine.
type Hub struct {
	ctrl      Controller
	heartbeat time.Duration
	buffer    int
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures the Hub.
type Option func(*Hub)

// WithHeartbeat sets the status packet interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithBuffer sets how many outbound packets a session queues for its reader.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n >= 0 {
			h.buffer = n
		}
	}
}

// WithLogger configures a logger for the Hub and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithMetrics counts outbound packets.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithClock replaces time.Now in heartbeats.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// NewHub creates a hub over the engine.
func NewHub(ctrl Controller, opts ...Option) *Hub {
	h := &Hub{
		ctrl:      ctrl,
		heartbeat: DefaultHeartbeat,
		buffer:    64,
		logger:    logging.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Dispatch applies an inbound packet and returns the reply: an ack, or an
// error packet. Both carry the request's msg_id as source_msg_id.
func (h *Hub) Dispatch(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	out := h.answer(ctx, env)
	h.metrics.PacketSent(string(out.Kind))
	return out
}

func (h *Hub) answer(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	return h.reply(env, h.apply(ctx, env))
}

func (h *Hub) reply(env protocol.Envelope, err error) protocol.Envelope {
	var reply protocol.Packet = protocol.Ack{}
	if err != nil {
		h.logger.Debug("packet rejected", "run_id", env.RunID, "kind", env.Kind, "err", err)
		reply = protocol.ErrorFor(err)
	}
	out, encErr := protocol.Reply(env.RunID, env.MsgID, reply)
	if encErr != nil {
		h.logger.Error("encode reply", "run_id", env.RunID, "err", encErr)
		out = protocol.Envelope{Kind: protocol.KindError, MsgID: protocol.NewMsgID(), SourceMsgID: env.MsgID, RunID: env.RunID}
	}
	return out
}

func (h *Hub) apply(ctx context.Context, env protocol.Envelope) error {
	if !env.Kind.Inbound() {
		return fmt.Errorf("%w: %q is not a request", protocol.ErrUnknownPacket, env.Kind)
	}
	if env.RunID == "" {
		return fmt.Errorf("missing run_id: %w", domain.ErrRunNotFound)
	}
	p, err := protocol.Decode(env)
	if err != nil {
		return err
	}

	switch req := p.(type) {
	case protocol.CancelReq:
		return h.ctrl.Cancel(env.RunID)
	case protocol.PauseReq:
		return h.ctrl.Pause(env.RunID)
	case protocol.ResumeReq:
		return h.ctrl.Resume(env.RunID)
	case protocol.InputResp:
		if req.NodeID == "" {
			return fmt.Errorf("input_resp without node_id: %w", domain.ErrNodeNotAwaitingInput)
		}
		return h.ctrl.ProvideInput(ctx, env.RunID, req.NodeID, req.Value)
	case protocol.SubscribeReq:
		_, err := h.ctrl.Snapshot(env.RunID)
		return err
	}
	return fmt.Errorf("%w: %q", protocol.ErrUnknownPacket, env.Kind)
}

// Open subscribes to a run. The session's packet stream starts with a
// snapshot and ends once the run is finished and its last event was sent,
// or when ctx is done or the session is closed.
func (h *Hub) Open(ctx context.Context, runID string) (*Session, error) {
	sub, err := h.ctrl.Subscribe(runID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		hub:     h,
		runID:   runID,
		out:     make(chan protocol.Envelope, h.buffer),
		replies: make(chan protocol.Envelope, 16),
		resub:   make(chan string),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		log:     h.logger.With("run_id", runID),
	}
	go s.pump(ctx, sub)
	return s, nil
}
