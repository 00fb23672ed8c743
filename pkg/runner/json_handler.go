package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aretw0/arbor/pkg/protocol"
)

// JSONHandler implements Handler for JSON-Lines communication: every
// outbound envelope is written as one line, every input line is an inbound
// envelope. Lines that do not parse are answered with an error envelope.
type JSONHandler struct {
	Reader *bufio.Reader
	Writer io.Writer

	runID string
	mu    sync.Mutex
	enc   *json.Encoder
}

// NewJSONHandler creates a handler for JSON IO. runID fills inbound
// envelopes that omit it.
func NewJSONHandler(r io.Reader, w io.Writer, runID string) *JSONHandler {
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}
	return &JSONHandler{
		Reader: bufio.NewReader(r),
		Writer: w,
		runID:  runID,
		enc:    json.NewEncoder(w),
	}
}

func (h *JSONHandler) Output(_ context.Context, env protocol.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enc.Encode(env)
}

func (h *JSONHandler) Inbound(ctx context.Context) <-chan protocol.Envelope {
	out := make(chan protocol.Envelope)
	go func() {
		defer close(out)
		for {
			line, err := h.Reader.ReadString('\n')
			if text := strings.TrimSpace(line); text != "" {
				env, perr := protocol.Unmarshal([]byte(text))
				if perr != nil {
					h.reject(ctx, env.MsgID, perr)
				} else {
					if env.RunID == "" {
						env.RunID = h.runID
					}
					select {
					case out <- env:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func (h *JSONHandler) reject(ctx context.Context, source string, err error) {
	reply, werr := protocol.Reply(h.runID, source, protocol.ErrorFor(err))
	if werr != nil {
		return
	}
	_ = h.Output(ctx, reply)
}
