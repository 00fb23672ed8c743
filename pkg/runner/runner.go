package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/arbor/pkg/protocol"
	"github.com/aretw0/arbor/pkg/session"
)

// Handler presents a run to its user.
type Handler interface {
	// Output presents one outbound packet.
	Output(ctx context.Context, env protocol.Envelope) error
	// Inbound streams the packets the user sends. The channel is closed when
	// the input ends or ctx is done.
	Inbound(ctx context.Context) <-chan protocol.Envelope
}

// Run streams runID through h until the run finishes. Inbound packets are
// handled concurrently with the stream, so a slow reader never blocks the
// replies it is waiting for. The end of the input does not end the run.
func Run(ctx context.Context, hub *session.Hub, runID string, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := hub.Open(ctx, runID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	handleErr := make(chan error, 1)
	go func() {
		for env := range h.Inbound(ctx) {
			if err := sess.Handle(ctx, env); err != nil {
				if !errors.Is(err, session.ErrSessionClosed) && ctx.Err() == nil {
					handleErr <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case env, ok := <-sess.Packets():
			if !ok {
				return ctx.Err()
			}
			if err := h.Output(ctx, env); err != nil {
				return fmt.Errorf("output %s: %w", env.Kind, err)
			}
		case err := <-handleErr:
			return fmt.Errorf("handle packet: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
