package watermill_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	wm "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/adapters/watermill"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(events <-chan domain.Event) func() []domain.Event {
	var mu sync.Mutex
	var got []domain.Event
	go func() {
		for ev := range events {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}
	}()
	return func() []domain.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.Event(nil), got...)
	}
}

func TestBus_PublishesEngineEvents(t *testing.T) {
	bus := watermill.NewInMemory()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	snapshot := collect(events)

	reg := registry.NewBuilder().
		RegisterFunc("const", func(context.Context, domain.ExecRequest) (any, error) { return "ok", nil }).
		MustBuild()
	e := runtime.NewEngine(reg, runtime.WithSinks(bus))
	defer e.Close(context.Background())

	g := &domain.Graph{
		ID:    "pair",
		Nodes: []domain.Node{{ID: "a", Type: "const"}, {ID: "b", Type: "const"}},
		Edges: []domain.Edge{{From: "a", To: "b"}},
	}
	runID, err := e.Start(context.Background(), g)
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	final, err := e.Wait(waitCtx, runID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, final.Status)

	require.Eventually(t, func() bool {
		return uint64(len(snapshot())) == final.Seq
	}, 5*time.Second, 10*time.Millisecond)

	got := snapshot()
	sort.Slice(got, func(i, j int) bool { return got[i].Seq < got[j].Seq })
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, runID, ev.RunID)
	}
	assert.Equal(t, domain.EventRunCreated, got[0].Type)
	last := got[len(got)-1]
	assert.Equal(t, domain.EventRunStatus, last.Type)
	assert.Equal(t, domain.RunCompleted, last.Status)

	// Replaying what the bus delivered rebuilds the run.
	run, err := domain.Replay(runID, g, got)
	require.NoError(t, err)
	assert.Equal(t, final.Statuses(), run.Snapshot().Statuses())
}

func TestBus_MetadataAndTopic(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, wm.NopLogger{})
	defer pubSub.Close()
	bus := watermill.New(pubSub, pubSub, watermill.WithTopic("runs"))

	var sink ports.EventSink = bus
	sink.OnEvent(domain.Event{Seq: 7, RunID: "r1", Type: domain.EventNodeStarted, NodeID: "a", Attempt: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, "runs")
	require.NoError(t, err)

	var msg *message.Message
	select {
	case msg = <-messages:
	case <-ctx.Done():
		t.Fatal("no message published")
	}
	msg.Ack()
	assert.Equal(t, "r1", msg.Metadata.Get(watermill.MetadataRunID))
	assert.Equal(t, "node_started", msg.Metadata.Get(watermill.MetadataEventType))
	assert.Equal(t, "7", msg.Metadata.Get(watermill.MetadataSeq))
	assert.JSONEq(t, `{"seq":7,"run_id":"r1","type":"node_started","node_id":"a","time":"0001-01-01T00:00:00Z","attempt":1}`, string(msg.Payload))
}

func TestBus_DropsUndecodableMessages(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, wm.NopLogger{})
	defer pubSub.Close()
	bus := watermill.New(pubSub, pubSub)

	require.NoError(t, pubSub.Publish(watermill.DefaultTopic, message.NewMessage(wm.NewUUID(), []byte("garbage"))))
	bus.OnEvent(domain.Event{Seq: 1, RunID: "r1", Type: domain.EventRunCreated})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "r1", ev.RunID)
	case <-ctx.Done():
		t.Fatal("valid event not delivered")
	}
}

func TestBus_PublishOnly(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, wm.NopLogger{})
	bus := watermill.New(pubSub, nil)
	_, err := bus.Subscribe(context.Background())
	assert.Error(t, err)
	assert.NoError(t, bus.Close())
}
