package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/observability"
	"github.com/aretw0/arbor/pkg/ports"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultFlushInterval is how often dirty runs are written.
	DefaultFlushInterval = 2 * time.Minute
	// DefaultLockTTL bounds how long a crashed writer blocks a run.
	DefaultLockTTL = 30 * time.Second
	// DefaultFlushConcurrency caps parallel writes during a flush.
	DefaultFlushConcurrency = 8
)

// Source is the engine side of the manager: where run histories come from
// and where finished runs are released.
type Source interface {
	Export(runID string) (runtime.Export, error)
	Evict(runID string) error
}

// Restorer brings persisted runs back into an engine.
type Restorer interface {
	Restore(ctx context.Context, g *domain.Graph, runID string, events []domain.Event) error
}

// slot is the per-run write exclusion. refs counts the goroutines holding or
// waiting on the entry so that unused entries are dropped.
type slot struct {
	mu   sync.Mutex
	refs int
}

// Manager persists runs through a ports.RunStore.
//
// Writes of one run are exclusive: a second concurrent writer fails fast
// with domain.ErrRunLocked, in this process through a mutex and across
// processes through the optional DistributedLocker. The manager also acts
// as an engine event sink, tracking dirty runs that Flush writes.
type Manager struct {
	store   ports.RunStore
	locker  ports.DistributedLocker
	lockTTL time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	interval    time.Duration
	concurrency int
	evict       bool

	mu    sync.Mutex
	slots map[string]*slot

	stateMu  sync.Mutex
	source   Source
	dirty    map[string]uint64
	finished map[string]bool
	docs     map[string]*Document
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets the expiry of distributed locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records flush outcomes and lock conflicts.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithFlushInterval sets the period of Run.
func WithFlushInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithFlushConcurrency caps parallel writes during a flush.
func WithFlushConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithEviction controls whether finished runs are released from the engine
// once written. It is on by default.
func WithEviction(evict bool) Option {
	return func(m *Manager) {
		m.evict = evict
	}
}

// NewManager creates a manager over store.
func NewManager(store ports.RunStore, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		lockTTL:     DefaultLockTTL,
		logger:      logging.NewNop(),
		interval:    DefaultFlushInterval,
		concurrency: DefaultFlushConcurrency,
		evict:       true,
		slots:       make(map[string]*slot),
		dirty:       make(map[string]uint64),
		finished:    make(map[string]bool),
		docs:        make(map[string]*Document),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach sets the engine whose runs Flush writes.
func (m *Manager) Attach(src Source) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.source = src
}

// Store returns the underlying run store.
func (m *Manager) Store() ports.RunStore {
	return m.store
}

// OnEvent marks the run dirty. It implements ports.EventSink.
func (m *Manager) OnEvent(ev domain.Event) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if ev.Seq > m.dirty[ev.RunID] {
		m.dirty[ev.RunID] = ev.Seq
	}
	if ev.Type == domain.EventRunStatus && ev.Status.Terminal() {
		m.finished[ev.RunID] = true
	}
}

// Dirty returns the ids of runs with unwritten events, sorted.
func (m *Manager) Dirty() []string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	out := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) acquire(runID string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[runID]
	if !ok {
		s = &slot{}
		m.slots[runID] = s
	}
	s.refs++
	return s
}

func (m *Manager) release(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[runID]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(m.slots, runID)
	}
}

// WithSlot runs fn while holding the exclusive write slot of runID.
// It returns domain.ErrRunLocked without waiting when the slot is taken.
func (m *Manager) WithSlot(ctx context.Context, runID string, fn func(context.Context) error) error {
	s := m.acquire(runID)
	defer m.release(runID)
	if !s.mu.TryLock() {
		m.metrics.LockConflict()
		return fmt.Errorf("%w: %s", domain.ErrRunLocked, runID)
	}
	defer s.mu.Unlock()

	if m.locker != nil {
		unlock, err := m.locker.TryLock(ctx, runID, m.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrRunLocked) {
				m.metrics.LockConflict()
			}
			return err
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("failed to release distributed lock (will expire via TTL)",
					"run_id", runID,
					"err", err,
				)
			}
		}()
	}
	return fn(ctx)
}

// Save writes a document under the run's write slot.
func (m *Manager) Save(ctx context.Context, doc *Document) error {
	data, err := Encode(doc)
	if err != nil {
		return err
	}
	return m.WithSlot(ctx, doc.RunID, func(ctx context.Context) error {
		return m.store.Put(ctx, doc.RunID, data)
	})
}

// Load reads and decodes a run. Reads take no slot, so loads of different
// runs, and loads during a write, proceed concurrently.
func (m *Manager) Load(ctx context.Context, runID string) (*Document, error) {
	data, err := m.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return doc, nil
}

// Delete removes a run under its write slot.
func (m *Manager) Delete(ctx context.Context, runID string) error {
	err := m.WithSlot(ctx, runID, func(ctx context.Context) error {
		return m.store.Delete(ctx, runID)
	})
	if err != nil {
		return err
	}
	m.stateMu.Lock()
	delete(m.docs, runID)
	delete(m.dirty, runID)
	delete(m.finished, runID)
	m.stateMu.Unlock()
	return nil
}

// List returns the ids of all stored runs, sorted.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Persist writes the current history of one engine run.
func (m *Manager) Persist(ctx context.Context, runID string) error {
	m.stateMu.Lock()
	src := m.source
	m.stateMu.Unlock()
	if src == nil {
		return errors.New("persistence manager is not attached to an engine")
	}

	exp, err := src.Export(runID)
	if err != nil {
		return err
	}
	doc, err := m.document(runID, exp)
	if err != nil {
		return err
	}
	if err := m.Save(ctx, doc); err != nil {
		return err
	}

	m.stateMu.Lock()
	m.docs[runID] = doc
	if m.dirty[runID] <= exp.Snapshot.Seq {
		delete(m.dirty, runID)
	}
	m.stateMu.Unlock()
	return nil
}

// document reuses the last document of the run so that fields written by a
// newer revision survive.
func (m *Manager) document(runID string, exp runtime.Export) (*Document, error) {
	m.stateMu.Lock()
	prev := m.docs[runID]
	m.stateMu.Unlock()
	if prev != nil {
		next := *prev
		if err := next.Update(exp.Events); err == nil {
			return &next, nil
		}
	}
	return NewDocument(runID, exp.Graph, exp.Events)
}

// Flush writes every dirty run, then evicts finished runs from the engine.
// Runs that could not be written stay dirty for the next flush.
func (m *Manager) Flush(ctx context.Context) error {
	ids := m.Dirty()
	if len(ids) > 0 {
		m.logger.Debug("flushing runs", "count", len(ids))
	}

	var mu sync.Mutex
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Persist(gctx, id); err != nil {
				m.metrics.Flushed("error")
				m.logger.Warn("flush failed", "run_id", id, "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("run %s: %w", id, err))
				mu.Unlock()
				return nil
			}
			m.metrics.Flushed("ok")
			return nil
		})
	}
	_ = g.Wait()

	if m.evict {
		m.evictFinished()
	}
	return errors.Join(errs...)
}

func (m *Manager) evictFinished() {
	m.stateMu.Lock()
	src := m.source
	var ids []string
	for id := range m.finished {
		if _, dirty := m.dirty[id]; !dirty {
			ids = append(ids, id)
		}
	}
	m.stateMu.Unlock()
	if src == nil {
		return
	}

	for _, id := range ids {
		err := src.Evict(id)
		if errors.Is(err, domain.ErrRunBusy) {
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
			m.logger.Warn("evict failed", "run_id", id, "err", err)
			continue
		}
		m.logger.Debug("run evicted", "run_id", id)
		m.stateMu.Lock()
		delete(m.finished, id)
		delete(m.docs, id)
		m.stateMu.Unlock()
	}
}

// Run flushes every interval until ctx is done, then flushes once more with
// a fresh context bounded by the same interval.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.interval)
			defer cancel()
			return m.Flush(final)
		case <-t.C:
			_ = m.Flush(ctx)
		}
	}
}

// Close writes every dirty run.
func (m *Manager) Close(ctx context.Context) error {
	return m.Flush(ctx)
}

// RestoreAll loads every stored run that has not finished into r.
// Unreadable documents are skipped and reported together.
func (m *Manager) RestoreAll(ctx context.Context, r Restorer) ([]string, error) {
	ids, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var restored []string
	var errs []error
	for _, id := range ids {
		doc, err := m.Load(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if doc.Status.Terminal() {
			continue
		}
		if err := r.Restore(ctx, doc.Graph, id, doc.Events); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
			continue
		}
		m.stateMu.Lock()
		m.docs[id] = doc
		m.stateMu.Unlock()
		restored = append(restored, id)
		m.logger.Info("run restored", "run_id", id, "status", doc.Status)
	}
	return restored, errors.Join(errs...)
}
