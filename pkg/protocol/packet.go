// Package protocol defines the packets exchanged between a run and its
// clients. Every packet travels in an Envelope whose kind selects the
// payload type. Kind values and payload field names are frozen; new fields
// may be added.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/google/uuid"
)

var (
	// ErrUnknownPacket is returned when decoding a kind outside the vocabulary.
	ErrUnknownPacket = errors.New("unknown packet kind")

	// ErrMalformedPacket is returned for envelopes or payloads that are not valid JSON of the expected shape.
	ErrMalformedPacket = errors.New("malformed packet")
)

// Kind names a packet type.
type Kind string

// Outbound kinds, sent by the server.
const (
	KindSnapshot Kind = "snapshot"
	KindEvent    Kind = "event"
	KindStatus   Kind = "status"
	KindAck      Kind = "ack"
	KindError    Kind = "error"
)

// Inbound kinds, sent by clients.
const (
	KindCancelReq    Kind = "cancel_req"
	KindPauseReq     Kind = "pause_req"
	KindResumeReq    Kind = "resume_req"
	KindInputResp    Kind = "input_resp"
	KindSubscribeReq Kind = "subscribe_req"
)

// Inbound reports whether clients may send the kind.
func (k Kind) Inbound() bool {
	switch k {
	case KindCancelReq, KindPauseReq, KindResumeReq, KindInputResp, KindSubscribeReq:
		return true
	}
	return false
}

// Envelope is the wire form of every packet.
type Envelope struct {
	Kind        Kind            `json:"kind"`
	MsgID       string          `json:"msg_id"`
	SourceMsgID string          `json:"source_msg_id,omitempty"`
	RunID       string          `json:"run_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Packet is a decoded payload.
type Packet interface {
	Kind() Kind
}

// Snapshot carries the full state of a run. It is always the first packet of
// a subscription.
type Snapshot struct {
	domain.Snapshot
}

// Event carries one applied event.
type Event struct {
	domain.Event
}

// Status is the heartbeat of a subscription.
type Status struct {
	Status domain.RunStatus `json:"status"`
	Seq    uint64           `json:"seq"`
	Time   time.Time        `json:"time"`
}

// Ack confirms an inbound packet, referenced by the envelope's source_msg_id.
type Ack struct{}

// Error rejects an inbound packet or reports a stream failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CancelReq asks to cancel the run.
type CancelReq struct{}

// PauseReq asks to pause the run.
type PauseReq struct{}

// ResumeReq asks to resume a paused run.
type ResumeReq struct{}

// InputResp answers a node waiting for human input.
type InputResp struct {
	NodeID string `json:"node_id"`
	Value  any    `json:"value"`
}

// SubscribeReq asks for a fresh snapshot followed by events.
type SubscribeReq struct{}

func (Snapshot) Kind() Kind     { return KindSnapshot }
func (Event) Kind() Kind        { return KindEvent }
func (Status) Kind() Kind       { return KindStatus }
func (Ack) Kind() Kind          { return KindAck }
func (Error) Kind() Kind        { return KindError }
func (CancelReq) Kind() Kind    { return KindCancelReq }
func (PauseReq) Kind() Kind     { return KindPauseReq }
func (ResumeReq) Kind() Kind    { return KindResumeReq }
func (InputResp) Kind() Kind    { return KindInputResp }
func (SubscribeReq) Kind() Kind { return KindSubscribeReq }

// NewMsgID returns a fresh message id.
func NewMsgID() string {
	return uuid.NewString()
}

// Wrap encodes p into an envelope with a fresh msg_id.
func Wrap(runID string, p Packet) (Envelope, error) {
	return Reply(runID, "", p)
}

// Reply is Wrap with source_msg_id set to the packet being answered.
func Reply(runID, sourceMsgID string, p Packet) (Envelope, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return Envelope{
		Kind:        p.Kind(),
		MsgID:       NewMsgID(),
		SourceMsgID: sourceMsgID,
		RunID:       runID,
		Payload:     payload,
	}, nil
}

// Decode returns the typed payload of env.
func Decode(env Envelope) (Packet, error) {
	var p Packet
	switch env.Kind {
	case KindSnapshot:
		p = &Snapshot{}
	case KindEvent:
		p = &Event{}
	case KindStatus:
		p = &Status{}
	case KindAck:
		p = &Ack{}
	case KindError:
		p = &Error{}
	case KindCancelReq:
		p = &CancelReq{}
	case KindPauseReq:
		p = &PauseReq{}
	case KindResumeReq:
		p = &ResumeReq{}
	case KindInputResp:
		p = &InputResp{}
	case KindSubscribeReq:
		p = &SubscribeReq{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, env.Kind)
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedPacket, env.Kind, err)
		}
	}
	return deref(p), nil
}

func deref(p Packet) Packet {
	switch v := p.(type) {
	case *Snapshot:
		return *v
	case *Event:
		return *v
	case *Status:
		return *v
	case *Ack:
		return *v
	case *Error:
		return *v
	case *CancelReq:
		return *v
	case *PauseReq:
		return *v
	case *ResumeReq:
		return *v
	case *InputResp:
		return *v
	case *SubscribeReq:
		return *v
	}
	return p
}

// Marshal renders an envelope as a single JSON line without the newline.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal parses an envelope. Missing kinds fail with ErrUnknownPacket.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if env.Kind == "" {
		return env, fmt.Errorf("%w: missing kind", ErrUnknownPacket)
	}
	return env, nil
}
