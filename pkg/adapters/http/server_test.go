package http_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/arbor/internal/runtime"
	arborhttp "github.com/aretw0/arbor/pkg/adapters/http"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/executors"
	"github.com/aretw0/arbor/pkg/observability"
	"github.com/aretw0/arbor/pkg/persistence"
	"github.com/aretw0/arbor/pkg/protocol"
	"github.com/aretw0/arbor/pkg/registry"
	"github.com/aretw0/arbor/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approval() *domain.Graph {
	return &domain.Graph{
		ID: "approval",
		Nodes: []domain.Node{
			{ID: "ask", Type: "input", Config: map[string]any{"prompt": "Ship it?", "options": []any{"yes", "no"}}},
			{ID: "done", Type: "noop", Inputs: []domain.Binding{{Name: "answer", From: "ask"}}},
		},
		Edges: []domain.Edge{{From: "ask", To: "done"}},
	}
}

type fixture struct {
	engine *runtime.Engine
	srv    *httptest.Server
}

func newFixture(t *testing.T, opts ...arborhttp.Option) *fixture {
	t.Helper()
	reg := registry.NewBuilder().
		Register("input", executors.Input{}).
		Register("noop", executors.Noop{}).
		MustBuild()
	e := runtime.NewEngine(reg)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	hub := session.NewHub(e, session.WithHeartbeat(time.Hour))
	s := arborhttp.NewServer(e, hub, append([]arborhttp.Option{arborhttp.WithGraphs(approval())}, opts...)...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{engine: e, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) start(t *testing.T, body string) string {
	t.Helper()
	resp, data := f.do(t, http.MethodPost, "/runs", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var out arborhttp.StartResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "/runs/"+out.RunID, resp.Header.Get("Location"))
	return out.RunID
}

func (f *fixture) awaitInput(t *testing.T, runID, nodeID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := f.engine.Snapshot(runID)
		if err != nil {
			return false
		}
		n, _ := snap.Node(nodeID)
		return n.AwaitingInput
	}, 5*time.Second, 10*time.Millisecond)
}

func packet(t *testing.T, runID string, p protocol.Packet) string {
	t.Helper()
	env, err := protocol.Wrap(runID, p)
	require.NoError(t, err)
	data, err := protocol.Marshal(env)
	require.NoError(t, err)
	return string(data)
}

// readEvents parses an SSE stream into envelopes until it ends.
func readEvents(t *testing.T, body io.Reader) <-chan protocol.Envelope {
	out := make(chan protocol.Envelope, 64)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var kind string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				kind = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				env, err := protocol.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")))
				if err != nil {
					t.Errorf("bad SSE data: %v", err)
					return
				}
				if string(env.Kind) != kind {
					t.Errorf("event name %q does not match packet kind %q", kind, env.Kind)
				}
				out <- env
			}
		}
	}()
	return out
}

func TestServer_RunOverSSE(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, `{}`)

	resp, err := http.Get(f.srv.URL + "/runs/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	events := readEvents(t, resp.Body)

	first := <-events
	require.Equal(t, protocol.KindSnapshot, first.Kind)

	f.awaitInput(t, id, "ask")
	reply, data := f.do(t, http.MethodPost, "/runs/"+id+"/packets", packet(t, id, protocol.InputResp{NodeID: "ask", Value: "yes"}))
	require.Equal(t, http.StatusOK, reply.StatusCode, string(data))
	var ack protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, protocol.KindAck, ack.Kind)

	var last domain.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case env, ok := <-events:
			if !ok {
				done = true
				break
			}
			if env.Kind != protocol.KindEvent {
				continue
			}
			p, err := protocol.Decode(env)
			require.NoError(t, err)
			last = p.(protocol.Event).Event
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
	assert.Equal(t, domain.EventRunStatus, last.Type)
	assert.Equal(t, domain.RunCompleted, last.Status)

	_, body := f.do(t, http.MethodGet, "/runs/"+id, "")
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	done, _ := snap.Node("done")
	assert.Equal(t, "yes", done.Output)
}

func TestServer_StartErrors(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"graph": "approval", "run_id": "fixed"}`)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown graph", `{"graph": "nope"}`, http.StatusNotFound},
		{"bad body", `{`, http.StatusBadRequest},
		{"bad timeout", `{"timeout": "soon"}`, http.StatusBadRequest},
		{"duplicate id", `{"run_id": "fixed"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, http.MethodPost, "/runs", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(data))
			assert.Contains(t, string(data), `"error"`)
		})
	}
}

func TestServer_InvalidGraph(t *testing.T) {
	broken := &domain.Graph{ID: "broken", Nodes: []domain.Node{{ID: "a", Type: "missing"}}}
	f := newFixture(t, arborhttp.WithGraphs(broken))
	resp, data := f.do(t, http.MethodPost, "/runs", `{"graph": "broken"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(data))
}

func TestServer_Packets(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, `{}`)
	f.awaitInput(t, id, "ask")

	tests := []struct {
		name   string
		runID  string
		body   string
		status int
		code   string
	}{
		{"unknown run", "ghost", packet(t, "ghost", protocol.CancelReq{}), http.StatusNotFound, protocol.CodeRunNotFound},
		{"wrong node", id, packet(t, id, protocol.InputResp{NodeID: "done", Value: "x"}), http.StatusConflict, protocol.CodeNotAwaitingInput},
		{"outside options", id, packet(t, id, protocol.InputResp{NodeID: "ask", Value: "maybe"}), http.StatusUnprocessableEntity, protocol.CodeInvalidInput},
		{"outbound kind", id, `{"kind": "snapshot", "msg_id": "m1", "payload": {}}`, http.StatusBadRequest, protocol.CodeUnknownPacket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, http.MethodPost, "/runs/"+tt.runID+"/packets", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(data))
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			require.Equal(t, protocol.KindError, env.Kind)
			p, err := protocol.Decode(env)
			require.NoError(t, err)
			assert.Equal(t, tt.code, p.(protocol.Error).Code)
		})
	}

	resp, _ := f.do(t, http.MethodPost, "/runs/"+id+"/packets", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/runs/"+id+"/packets", packet(t, "other", protocol.CancelReq{}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data := f.do(t, http.MethodPost, "/runs/"+id+"/packets", `{"kind": "cancel_req", "msg_id": "m2"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, string(data), `"source_msg_id":"m2"`, "run_id defaults to the path")
}

func TestServer_ListAndGet(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, `{}`)

	resp, data := f.do(t, http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []domain.Snapshot
	require.NoError(t, json.Unmarshal(data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].RunID)

	resp, _ = f.do(t, http.MethodGet, "/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/runs/missing/events", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = f.do(t, http.MethodGet, "/graphs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"id": "approval", "nodes": 2}]`, string(data))
}

func TestServer_Archive(t *testing.T) {
	m := persistence.NewManager(memory.NewStore())
	events := []domain.Event{
		{Seq: 1, RunID: "old", Type: domain.EventRunCreated, GraphID: "approval"},
		{Seq: 2, RunID: "old", Type: domain.EventRunStatus, Status: domain.RunCancelled, Reason: "by user"},
	}
	doc, err := persistence.NewDocument("old", approval(), events)
	require.NoError(t, err)
	require.NoError(t, m.Save(context.Background(), doc))

	f := newFixture(t, arborhttp.WithArchive(m))
	resp, data := f.do(t, http.MethodGet, "/runs/old", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, domain.RunCancelled, snap.Status)
	assert.Equal(t, "by user", snap.Reason)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(reg)
	require.NoError(t, err)
	metrics.RunStarted("approval")

	f := newFixture(t,
		arborhttp.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		arborhttp.WithVersion("1.2.3\n"),
	)

	resp, data := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status": "ok", "version": "1.2.3"}`, string(data))

	resp, data = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `arbor_runs_started_total{graph_id="approval"} 1`)

	resp, _ = f.do(t, http.MethodOptions, "/runs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWriteEvent(t *testing.T) {
	env, err := protocol.Reply("r1", "m0", protocol.Ack{})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, arborhttp.WriteEvent(&buf, env))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: ack\nid: "+env.MsgID+"\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "}\n\n"))
}

func TestListenAndServe_StopsWithContext(t *testing.T) {
	reg := registry.NewBuilder().Register("noop", executors.Noop{}).MustBuild()
	e := runtime.NewEngine(reg)
	defer e.Close(context.Background())
	s := arborhttp.NewServer(e, session.NewHub(e))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

type fakeFeed chan domain.Event

func (f fakeFeed) Subscribe(context.Context) (<-chan domain.Event, error) {
	return f, nil
}

func TestServer_Feed(t *testing.T) {
	feed := make(fakeFeed, 4)
	f := newFixture(t, arborhttp.WithFeed(feed))

	resp, err := http.Get(f.srv.URL + "/events?run_id=r2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	feed <- domain.Event{Seq: 1, RunID: "r1", Type: domain.EventRunCreated}
	feed <- domain.Event{Seq: 1, RunID: "r2", Type: domain.EventRunCreated, GraphID: "approval"}
	close(feed)

	var got []protocol.Envelope
	for env := range readEvents(t, resp.Body) {
		got = append(got, env)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].RunID)
	p, err := protocol.Decode(got[0])
	require.NoError(t, err)
	assert.Equal(t, "approval", p.(protocol.Event).GraphID)
}

func TestServer_FeedDisabled(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/events", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
