package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/klauspost/compress/gzip"
)

const (
	// FormatVersion changes on breaking layout changes. Newer versions are rejected.
	FormatVersion = 1
	// FormatRevision changes on additive changes. Any revision is readable.
	FormatRevision = 1
)

// Document is the persisted form of a run.
type Document struct {
	Version   int
	Revision  int
	RunID     string
	GraphID   string
	Status    domain.RunStatus
	UpdatedAt time.Time
	Graph     *domain.Graph
	Events    []domain.Event

	extra       map[string]json.RawMessage
	eventExtras []map[string]json.RawMessage
}

// NewDocument builds a document from a run's graph and history.
func NewDocument(runID string, g *domain.Graph, events []domain.Event) (*Document, error) {
	r, err := domain.Replay(runID, g, events)
	if err != nil {
		return nil, err
	}
	return &Document{
		Version:   FormatVersion,
		Revision:  FormatRevision,
		RunID:     runID,
		GraphID:   r.GraphID,
		Status:    r.Status,
		UpdatedAt: r.UpdatedAt,
		Graph:     g,
		Events:    events,
	}, nil
}

// Run replays the events into the run state.
func (d *Document) Run() (*domain.Run, error) {
	r, err := domain.Replay(d.RunID, d.Graph, d.Events)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptPersistedState, err)
	}
	return r, nil
}

// Unknown returns the top-level fields this build does not understand.
func (d *Document) Unknown() map[string]json.RawMessage {
	return d.extra
}

// Update replaces the history with a longer one of the same run. Unknown
// fields, top-level and per event, are kept.
func (d *Document) Update(events []domain.Event) error {
	r, err := domain.Replay(d.RunID, d.Graph, events)
	if err != nil {
		return err
	}
	if len(events) < len(d.eventExtras) {
		d.eventExtras = d.eventExtras[:len(events)]
	}
	d.Events = events
	d.Status = r.Status
	d.UpdatedAt = r.UpdatedAt
	return nil
}

var (
	documentKeys = map[string]bool{
		"version": true, "revision": true, "run_id": true, "graph_id": true,
		"status": true, "updated_at": true, "graph": true, "events": true,
	}
	eventKeys = jsonKeys(reflect.TypeOf(domain.Event{}))
)

func jsonKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}

// Encode renders the document as gzip-compressed JSON.
func Encode(d *Document) ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(d.extra)+len(documentKeys))
	for k, v := range d.extra {
		fields[k] = v
	}

	revision := d.Revision
	if revision < FormatRevision {
		revision = FormatRevision
	}
	events := make([]json.RawMessage, len(d.Events))
	for i, ev := range d.Events {
		raw, err := encodeEvent(ev, d.eventExtra(i))
		if err != nil {
			return nil, fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		events[i] = raw
	}

	known := map[string]any{
		"version":    FormatVersion,
		"revision":   revision,
		"run_id":     d.RunID,
		"graph_id":   d.GraphID,
		"status":     d.Status,
		"updated_at": d.UpdatedAt,
		"graph":      d.Graph,
		"events":     events,
	}
	for k, v := range known {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		fields[k] = raw
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compress document: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress document: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *Document) eventExtra(i int) map[string]json.RawMessage {
	if i < len(d.eventExtras) {
		return d.eventExtras[i]
	}
	return nil
}

func encodeEvent(ev domain.Event, extra map[string]json.RawMessage) (json.RawMessage, error) {
	raw, err := json.Marshal(ev)
	if err != nil || len(extra) == 0 {
		return raw, err
	}
	fields := make(map[string]json.RawMessage, len(extra))
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

// Decode parses a document produced by Encode. Truncated or malformed input
// fails with domain.ErrCorruptPersistedState and a newer format version with
// domain.ErrUnsupportedFormatVersion.
func Decode(data []byte) (*Document, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt("gzip header", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, corrupt("gzip stream", err)
	}
	if err := zr.Close(); err != nil {
		return nil, corrupt("gzip stream", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, corrupt("document", err)
	}

	d := &Document{}
	if err := decodeField(fields, "version", &d.Version, true); err != nil {
		return nil, err
	}
	if d.Version < 1 || d.Version > FormatVersion {
		return nil, fmt.Errorf("%w: version %d (supported up to %d)", domain.ErrUnsupportedFormatVersion, d.Version, FormatVersion)
	}
	for _, f := range []struct {
		key      string
		dst      any
		required bool
	}{
		{"revision", &d.Revision, false},
		{"run_id", &d.RunID, true},
		{"graph_id", &d.GraphID, false},
		{"status", &d.Status, false},
		{"updated_at", &d.UpdatedAt, false},
		{"graph", &d.Graph, true},
	} {
		if err := decodeField(fields, f.key, f.dst, f.required); err != nil {
			return nil, err
		}
	}
	if d.Graph == nil {
		return nil, corrupt("graph", fmt.Errorf("missing"))
	}

	var events []json.RawMessage
	if err := decodeField(fields, "events", &events, false); err != nil {
		return nil, err
	}
	d.Events = make([]domain.Event, len(events))
	d.eventExtras = make([]map[string]json.RawMessage, len(events))
	for i, raw := range events {
		if err := json.Unmarshal(raw, &d.Events[i]); err != nil {
			return nil, corrupt(fmt.Sprintf("event %d", i), err)
		}
		var all map[string]json.RawMessage
		if err := json.Unmarshal(raw, &all); err != nil {
			return nil, corrupt(fmt.Sprintf("event %d", i), err)
		}
		for k, v := range all {
			if eventKeys[k] {
				continue
			}
			if d.eventExtras[i] == nil {
				d.eventExtras[i] = make(map[string]json.RawMessage)
			}
			d.eventExtras[i][k] = v
		}
	}

	for k, v := range fields {
		if documentKeys[k] {
			continue
		}
		if d.extra == nil {
			d.extra = make(map[string]json.RawMessage)
		}
		d.extra[k] = v
	}
	return d, nil
}

func decodeField(fields map[string]json.RawMessage, key string, dst any, required bool) error {
	raw, ok := fields[key]
	if !ok {
		if required {
			return corrupt(key, fmt.Errorf("missing"))
		}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return corrupt(key, err)
	}
	return nil
}

func corrupt(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrCorruptPersistedState, what, err)
}
