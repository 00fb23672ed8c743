package protocol

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapDecode(t *testing.T) {
	tests := []Packet{
		Snapshot{domain.Snapshot{RunID: "r1", Status: domain.RunRunning, Seq: 4}},
		Event{domain.Event{Seq: 5, RunID: "r1", Type: domain.EventNodeStarted, NodeID: "a", Attempt: 1}},
		Ack{},
		Error{Code: CodeRunFinished, Message: "done"},
		CancelReq{},
		PauseReq{},
		ResumeReq{},
		InputResp{NodeID: "ask", Value: "yes"},
		SubscribeReq{},
	}
	for _, p := range tests {
		t.Run(string(p.Kind()), func(t *testing.T) {
			env, err := Wrap("r1", p)
			require.NoError(t, err)
			assert.Equal(t, p.Kind(), env.Kind)
			assert.Equal(t, "r1", env.RunID)
			assert.NotEmpty(t, env.MsgID)

			b, err := Marshal(env)
			require.NoError(t, err)
			back, err := Unmarshal(b)
			require.NoError(t, err)

			got, err := Decode(back)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestReply(t *testing.T) {
	env, err := Reply("r1", "m-1", Ack{})
	require.NoError(t, err)
	assert.Equal(t, "m-1", env.SourceMsgID)

	a, _ := Wrap("r1", Ack{})
	b, _ := Wrap("r1", Ack{})
	assert.NotEqual(t, a.MsgID, b.MsgID)
}

func TestDecode_WireFormat(t *testing.T) {
	env, err := Unmarshal([]byte(`{"kind":"input_resp","msg_id":"m","run_id":"r","payload":{"node_id":"ask","value":{"approved":true}}}`))
	require.NoError(t, err)
	p, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, InputResp{NodeID: "ask", Value: map[string]any{"approved": true}}, p)

	env, err = Unmarshal([]byte(`{"kind":"cancel_req","msg_id":"m","run_id":"r"}`))
	require.NoError(t, err)
	p, err = Decode(env)
	require.NoError(t, err)
	assert.Equal(t, CancelReq{}, p)
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode(Envelope{Kind: "reboot"})
	assert.ErrorIs(t, err, ErrUnknownPacket)

	_, err = Unmarshal([]byte(`{"msg_id":"m"}`))
	assert.ErrorIs(t, err, ErrUnknownPacket)

	_, err = Unmarshal([]byte(`{"kind":`))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecode_BadPayload(t *testing.T) {
	_, err := Decode(Envelope{Kind: KindInputResp, Payload: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrMalformedPacket)
	assert.Equal(t, CodeBadRequest, ErrorFor(err).Code)
}

func TestKind_Inbound(t *testing.T) {
	assert.True(t, KindInputResp.Inbound())
	assert.True(t, KindSubscribeReq.Inbound())
	assert.False(t, KindSnapshot.Inbound())
	assert.False(t, Kind("reboot").Inbound())
}

func TestErrorFor(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("x: %w", domain.ErrRunNotFound), CodeRunNotFound},
		{domain.ErrRunFinished, CodeRunFinished},
		{domain.ErrNodeNotAwaitingInput, CodeNotAwaitingInput},
		{domain.ErrRunLocked, CodeRunBusy},
		{fmt.Errorf("%w: %q", ErrUnknownPacket, "x"), CodeUnknownPacket},
		{domain.NewExecutorError(domain.KindInvalidInput, "nope"), CodeInvalidInput},
		{fmt.Errorf("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorFor(tt.err).Code, tt.err.Error())
	}
}
