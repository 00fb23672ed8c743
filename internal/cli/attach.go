package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aretw0/arbor/pkg/protocol"
	"github.com/aretw0/arbor/pkg/runner"
)

// AttachOptions contains the configuration for the attach command.
type AttachOptions struct {
	BaseURL string
	RunID   string
	JSON    bool
	Verbose bool
	Client  *http.Client
}

// Attach drives a run hosted by an arbor server: outbound packets are read
// from its event stream, inbound packets are posted back and their replies
// shown like any other packet. It returns once the server ends the stream.
func Attach(ctx context.Context, opts AttachOptions, stdio IO, logger *slog.Logger) error {
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	c := &remote{client: client, base: base, runID: opts.RunID}

	var h runner.Handler
	if opts.JSON {
		h = runner.NewJSONHandler(stdio.In, stdio.Out, opts.RunID)
	} else {
		h = newTextHandler(stdio, RunOptions{Verbose: opts.Verbose})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer body.Close()
	logger.Debug("attached", "url", base.String(), "run_id", opts.RunID)

	// Replies and stream packets reach the handler from two goroutines.
	var outMu sync.Mutex
	output := func(env protocol.Envelope) error {
		outMu.Lock()
		defer outMu.Unlock()
		if err := h.Output(ctx, env); err != nil {
			return fmt.Errorf("output %s: %w", env.Kind, err)
		}
		return nil
	}

	// A packet already posted when the stream ends still gets its reply
	// shown; later input is dropped.
	var (
		mu       sync.Mutex
		closing  bool
		inflight sync.WaitGroup
	)
	go func() {
		for env := range h.Inbound(ctx) {
			mu.Lock()
			if closing {
				mu.Unlock()
				return
			}
			inflight.Add(1)
			mu.Unlock()

			reply, err := c.post(ctx, env)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("send packet", "kind", env.Kind, "err", err)
				}
			} else if err := output(reply); err != nil {
				logger.Warn("show reply", "err", err)
			}
			inflight.Done()
		}
	}()

	streamErr := readStream(ctx, body, output)
	mu.Lock()
	closing = true
	mu.Unlock()
	inflight.Wait()

	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		return streamErr
	}
	return handleExecutionError(ctx.Err())
}

type remote struct {
	client *http.Client
	base   *url.URL
	runID  string
}

func (c *remote) endpoint(elem ...string) string {
	return c.base.JoinPath(append([]string{"runs", c.runID}, elem...)...).String()
}

func (c *remote) open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("events"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

// post sends one packet and returns the server's reply envelope, which is
// an ack or an error packet for any status the server answers with a body.
func (c *remote) post(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	data, err := protocol.Marshal(env)
	if err != nil {
		return protocol.Envelope{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("packets"), bytes.NewReader(data))
	if err != nil {
		return protocol.Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return protocol.Envelope{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Envelope{}, err
	}
	reply, err := protocol.Unmarshal(raw)
	if err != nil || reply.Kind == "" {
		return protocol.Envelope{}, fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	return reply, nil
}

func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(raw))
}

// readStream decodes Server-Sent Events into envelopes and hands each to
// fn. Only the data field matters: the envelope carries its own kind and
// message id.
func readStream(ctx context.Context, r io.Reader, fn func(protocol.Envelope) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			env, err := protocol.Unmarshal([]byte(data.String()))
			data.Reset()
			if err != nil {
				return fmt.Errorf("event stream: %w", err)
			}
			if err := fn(env); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return ctx.Err()
}
