package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/config"
	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/internal/runtime"
	httpAdapter "github.com/aretw0/arbor/pkg/adapters/http"
	"github.com/aretw0/arbor/pkg/adapters/file"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/persistence"
	"github.com/aretw0/arbor/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineYAML = `
id: pipeline
nodes:
  - id: fetch
    type: noop
    config:
      output: payload
  - id: done
    type: result
    inputs:
      - name: data
        from: fetch
edges:
  - fetch -> done
`

const brokenYAML = `
id: broken
nodes:
  - id: a
    type: teleport
edges:
  - a -> ghost
`

func writeGraph(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Dir = filepath.Join(t.TempDir(), "runs")
	cfg.Tools.File = filepath.Join(t.TempDir(), "missing-tools.yaml")
	cfg.Engine.CancelGrace = time.Second
	return cfg
}

func TestOpenStore_Backends(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cases := []struct {
		name string
		cfg  func(c *config.StoreConfig)
	}{
		{"memory", func(c *config.StoreConfig) { c.Backend = config.BackendMemory }},
		{"file", func(c *config.StoreConfig) { c.Backend = config.BackendFile }},
		{"redis", func(c *config.StoreConfig) {
			c.Backend = config.BackendRedis
			c.Redis.Addr = mr.Addr()
		}},
		{"file with redaction", func(c *config.StoreConfig) {
			c.Backend = config.BackendFile
			c.Redact = []string{`secret-\d+`}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testConfig(t).Store
			tc.cfg(&c)
			store, locker, err := OpenStore(c)
			require.NoError(t, err)
			require.NotNil(t, locker)

			require.NoError(t, store.Put(ctx, "r1", []byte(`{"note":"hello"}`)))
			data, err := store.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Contains(t, string(data), "hello")

			ids, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"r1"}, ids)
		})
	}
}

func TestOpenStore_Encryption(t *testing.T) {
	ctx := context.Background()
	t.Setenv("ARBOR_TEST_KEY", strings.Repeat("ab", 32))

	c := testConfig(t).Store
	c.EncryptionKeyEnv = "ARBOR_TEST_KEY"
	store, _, err := OpenStore(c)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "r1", []byte(`{"note":"hello"}`)))

	raw, err := file.New(c.Dir).Get(ctx, "r1")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hello")

	plain, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"note":"hello"}`, string(plain))
}

func TestNewStack_MetricsAndBus(t *testing.T) {
	cfg := testConfig(t)
	st, err := NewStack(cfg, logging.NewNop(), StackOptions{Metrics: true, Bus: true, Ephemeral: true})
	require.NoError(t, err)
	require.NotNil(t, st.Registry)
	require.NotNil(t, st.Bus)

	g, err := arbor.LoadGraph(context.Background(), writeGraph(t, pipelineYAML))
	require.NoError(t, err)
	runID, err := st.Engine.Start(context.Background(), g)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := st.Engine.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, snap.Status)

	families, err := st.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	require.NoError(t, st.Close(ctx))
}

func TestRun_JSONPersisted(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	err := Run(context.Background(), cfg, RunOptions{
		GraphPath: writeGraph(t, pipelineYAML),
		JSON:      true,
		RunID:     "nightly",
		Persist:   true,
	}, IO{In: strings.NewReader(""), Out: &out}, logging.NewNop())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	first, err := protocol.Unmarshal([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindSnapshot, first.Kind)
	assert.Equal(t, "nightly", first.RunID)

	m := persistence.NewManager(file.New(cfg.Store.Dir))
	doc, err := m.Load(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, doc.Status)
	assert.Equal(t, "pipeline", doc.GraphID)
}

func TestRun_ResumeFinishedRun(t *testing.T) {
	cfg := testConfig(t)
	opts := RunOptions{GraphPath: writeGraph(t, pipelineYAML), JSON: true, RunID: "once", Persist: true}
	stdio := IO{In: strings.NewReader(""), Out: &bytes.Buffer{}}
	require.NoError(t, Run(context.Background(), cfg, opts, stdio, logging.NewNop()))

	err := Run(context.Background(), cfg, RunOptions{JSON: true, Resume: "once"}, stdio, logging.NewNop())
	assert.ErrorIs(t, err, domain.ErrRunFinished)
}

func TestRun_InvalidGraph(t *testing.T) {
	cfg := testConfig(t)
	err := Run(context.Background(), cfg, RunOptions{GraphPath: writeGraph(t, brokenYAML), JSON: true},
		IO{In: strings.NewReader(""), Out: &bytes.Buffer{}}, logging.NewNop())
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRuns_ListInspectRemove(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	stdio := IO{In: strings.NewReader(""), Out: &bytes.Buffer{}}
	require.NoError(t, Run(ctx, cfg, RunOptions{
		GraphPath: writeGraph(t, pipelineYAML), JSON: true, RunID: "r-1", Persist: true,
	}, stdio, logging.NewNop()))

	m := persistence.NewManager(file.New(cfg.Store.Dir))

	var ls bytes.Buffer
	require.NoError(t, ListRuns(ctx, m, &ls))
	assert.Contains(t, ls.String(), "RUN ID")
	assert.Contains(t, ls.String(), "r-1")
	assert.Contains(t, ls.String(), "completed")

	var js bytes.Buffer
	require.NoError(t, InspectRun(ctx, m, "r-1", InspectJSON, &js))
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(js.Bytes(), &snap))
	assert.Equal(t, domain.RunCompleted, snap.Status)

	var mm bytes.Buffer
	require.NoError(t, InspectRun(ctx, m, "r-1", InspectMermaid, &mm))
	assert.Contains(t, mm.String(), "graph TD")
	assert.Contains(t, mm.String(), "classDef succeeded")

	var evs bytes.Buffer
	require.NoError(t, InspectRun(ctx, m, "r-1", InspectEvents, &evs))
	assert.Contains(t, evs.String(), "node_succeeded")

	assert.Error(t, InspectRun(ctx, m, "r-1", "yaml", &bytes.Buffer{}))

	var rm bytes.Buffer
	require.NoError(t, RemoveRuns(ctx, m, []string{"r-1"}, &rm))
	assert.Contains(t, rm.String(), "Removed r-1")

	ls.Reset()
	require.NoError(t, ListRuns(ctx, m, &ls))
	assert.Contains(t, ls.String(), "No persisted runs.")
}

func TestValidate(t *testing.T) {
	e, err := arbor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	var out bytes.Buffer
	require.NoError(t, Validate(context.Background(), writeGraph(t, pipelineYAML), e.Registry(), &out))
	assert.Contains(t, out.String(), "✓ pipeline: 2 nodes, 1 edges")

	out.Reset()
	err = Validate(context.Background(), writeGraph(t, brokenYAML), e.Registry(), &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "✗ broken")
	assert.Contains(t, out.String(), "teleport")
}

func TestValidateWatch_RequiresDirectory(t *testing.T) {
	e, err := arbor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	err = ValidateWatch(context.Background(), writeGraph(t, pipelineYAML), e.Registry(), &bytes.Buffer{}, logging.NewNop())
	assert.ErrorContains(t, err, "--watch needs a graph directory")
}

func TestReadStream(t *testing.T) {
	env, err := protocol.Wrap("r1", protocol.Ack{})
	require.NoError(t, err)
	data, err := protocol.Marshal(env)
	require.NoError(t, err)

	stream := ": comment\n\nevent: ack\nid: " + env.MsgID + "\ndata: " + string(data) + "\n\n"
	var got []protocol.Envelope
	collect := func(e protocol.Envelope) error {
		got = append(got, e)
		return nil
	}
	require.NoError(t, readStream(context.Background(), strings.NewReader(stream), collect))
	require.Len(t, got, 1)
	assert.Equal(t, env.MsgID, got[0].MsgID)
	assert.Equal(t, protocol.KindAck, got[0].Kind)

	err = readStream(context.Background(), strings.NewReader("data: {nope\n\n"), collect)
	assert.ErrorIs(t, err, protocol.ErrMalformedPacket)
}

const approvalYAML = `
id: approval
nodes:
  - id: ask
    type: input
    config:
      prompt: Ship it?
      options: [yes, no]
  - id: done
    type: result
    inputs:
      - name: answer
        from: ask
edges:
  - ask -> done
`

func TestAttach_AnswersInputOverHTTP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e, err := arbor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	srv := httptest.NewServer(httpAdapter.NewServer(e, e.Hub()).Handler())
	t.Cleanup(srv.Close)

	g, err := arbor.LoadGraph(ctx, writeGraph(t, approvalYAML))
	require.NoError(t, err)
	runID, err := e.Start(ctx, g, runtime.WithRunID("deploy"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := e.Snapshot(runID)
		if err != nil {
			return false
		}
		n, ok := snap.Node("ask")
		return ok && n.AwaitingInput
	}, 5*time.Second, 10*time.Millisecond)

	answer := `{"kind":"input_resp","msg_id":"m1","payload":{"node_id":"ask","value":"yes"}}` + "\n"
	var out bytes.Buffer
	err = Attach(ctx, AttachOptions{BaseURL: srv.URL, RunID: runID, JSON: true},
		IO{In: strings.NewReader(answer), Out: &out}, logging.NewNop())
	require.NoError(t, err)

	assert.Contains(t, out.String(), `"kind":"ack"`)
	assert.Contains(t, out.String(), `"source_msg_id":"m1"`)

	snap, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, snap.Status)
}

func TestAttach_UnknownRun(t *testing.T) {
	e, err := arbor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	srv := httptest.NewServer(httpAdapter.NewServer(e, e.Hub()).Handler())
	t.Cleanup(srv.Close)

	err = Attach(context.Background(), AttachOptions{BaseURL: srv.URL, RunID: "ghost", JSON: true},
		IO{In: strings.NewReader(""), Out: &bytes.Buffer{}}, logging.NewNop())
	assert.ErrorContains(t, err, "404")
}
