// Package dataplane owns the per-core flow tables and the workers that
// drive them.
//
// Every core has exactly one Worker, and a Worker is the only goroutine that
// touches its table and engine. Other goroutines reach a table only through
// Snapshot, which the owning worker serves between batches.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/psaab/flowcounter/pkg/flowtable"
	"github.com/psaab/flowcounter/pkg/pipeline"
	"github.com/psaab/flowcounter/pkg/stats"
)

var (
	// ErrNotInitialized is returned before Initialize succeeds.
	ErrNotInitialized = errors.New("dataplane not initialized")

	// ErrRunning is returned by ProcessBatch while workers own the tables,
	// and by a second call to Run.
	ErrRunning = errors.New("dataplane workers running")

	// ErrNoCore is returned for a core index outside [0, Cores).
	ErrNoCore = errors.New("no such core")
)

// Source delivers received packets to a core. Receive fills batch from the
// front and returns how many packets it stored. It must return within a
// bounded time even when no traffic arrives (returning 0), so workers can
// serve snapshots and notice cancellation.
type Source interface {
	Receive(ctx context.Context, core int, batch []pipeline.Packet) (int, error)
}

// Sink transmits processed packets out of Packet.Egress. Packets the
// policy did not touch (TxIf 0) are forwarded unmodified through RxIf.
type Sink interface {
	Transmit(core int, batch []pipeline.Packet) error
}

// GateProvider returns the interface gate for the next batch.
type GateProvider interface {
	Gate() pipeline.Gate
}

// Config sizes the dataplane.
type Config struct {
	Variant        string
	Cores          int
	Buckets        uint32 // 0 = variant default
	SlotsPerBucket int
	MemoryBudget   uint64 // per table
	PipelineDepth  int    // 0 = variant default
	BatchSize      int
	PinCPUs        bool
	CPUs           []int // core i runs on CPUs[i]; empty = CPU i

	Gates GateProvider // nil = every interface enabled
	Stats stats.Sink   // nil = counters discarded
}

// Manager is the set of per-core workers.
type Manager struct {
	cfg     Config
	variant pipeline.Variant
	workers []*Worker

	// mu orders the hand-over of tables to workers in Run against callers
	// that touch tables directly (ProcessBatch, Snapshot while stopped).
	// Those hold it shared; Run holds it exclusively to change state.
	mu      sync.RWMutex
	started bool
	running atomic.Bool
}

// New validates cfg and returns a Manager. No memory is reserved until
// Initialize.
func New(cfg Config) (*Manager, error) {
	v, err := pipeline.LookupVariant(cfg.Variant)
	if err != nil {
		return nil, err
	}
	if cfg.Cores < 1 {
		return nil, fmt.Errorf("core count must be at least 1, got %d", cfg.Cores)
	}
	if len(cfg.CPUs) != 0 && len(cfg.CPUs) != cfg.Cores {
		return nil, fmt.Errorf("cpu list has %d entries for %d cores", len(cfg.CPUs), cfg.Cores)
	}
	if cfg.Buckets == 0 {
		cfg.Buckets = v.Buckets
	}
	if cfg.PipelineDepth == 0 {
		cfg.PipelineDepth = v.PipelineDepth
	}
	cfg.Variant = v.Name
	return &Manager{cfg: cfg, variant: v}, nil
}

// Initialize creates one table and engine per core. Any failure releases
// what was already reserved and is fatal for the caller: the dataplane
// cannot run with a partial set of tables.
func (m *Manager) Initialize() error {
	if m.workers != nil {
		return nil
	}
	workers := make([]*Worker, 0, m.cfg.Cores)
	for core := 0; core < m.cfg.Cores; core++ {
		w, err := m.newWorker(core)
		if err != nil {
			for _, w := range workers {
				w.close()
			}
			return fmt.Errorf("initialize core %d: %w", core, err)
		}
		workers = append(workers, w)
	}
	m.workers = workers

	st := workers[0].table.Stats()
	slog.Info("dataplane initialized",
		"variant", m.variant.Name,
		"cores", m.cfg.Cores,
		"buckets", st.Buckets,
		"capacity_per_core", st.Capacity,
		"memory_per_core", st.MemoryBytes,
		"pipeline_depth", workers[0].engine.Depth())
	return nil
}

func (m *Manager) newWorker(core int) (*Worker, error) {
	t, err := flowtable.New(flowtable.Config{
		Name:         fmt.Sprintf("%s_%d", m.variant.Name, core),
		Buckets:      m.cfg.Buckets,
		Depth:        m.cfg.SlotsPerBucket,
		MemoryBudget: m.cfg.MemoryBudget,
	})
	if err != nil {
		return nil, err
	}
	cpu := -1
	if m.cfg.PinCPUs {
		cpu = core
		if len(m.cfg.CPUs) > 0 {
			cpu = m.cfg.CPUs[core]
		}
	}
	w := &Worker{
		core:  core,
		cpu:   cpu,
		table: t,
		engine: pipeline.NewEngine(pipeline.Options{
			Depth:     m.cfg.PipelineDepth,
			BatchSize: m.cfg.BatchSize,
			Policy:    m.variant.Policy,
		}),
		batchSize: m.cfg.BatchSize,
		gates:     m.cfg.Gates,
		sink:      m.cfg.Stats,
		requests:  make(chan snapshotRequest),
	}
	if w.batchSize <= 0 {
		w.batchSize = pipeline.DefaultBatchSize
	}
	w.publish()
	return w, nil
}

// Close releases every table. Workers must have stopped.
func (m *Manager) Close() error {
	var errs []error
	for _, w := range m.workers {
		if err := w.close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.workers = nil
	return errors.Join(errs...)
}

// Cores returns the configured core count.
func (m *Manager) Cores() int { return m.cfg.Cores }

// Variant returns the active variant.
func (m *Manager) Variant() pipeline.Variant { return m.variant }

// Running reports whether workers currently own the tables.
func (m *Manager) Running() bool { return m.running.Load() }

func (m *Manager) worker(core int) (*Worker, error) {
	if m.workers == nil {
		return nil, ErrNotInitialized
	}
	if core < 0 || core >= len(m.workers) {
		return nil, fmt.Errorf("core %d: %w", core, ErrNoCore)
	}
	return m.workers[core], nil
}

// ProcessBatch counts batch on core's table and applies the forwarding
// policy in place. The caller acts as that core's owner: it must not call
// ProcessBatch for the same core concurrently, and it cannot call it while
// Run is active.
func (m *Manager) ProcessBatch(core int, batch []pipeline.Packet) (pipeline.Counters, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.running.Load() {
		return pipeline.Counters{}, ErrRunning
	}
	w, err := m.worker(core)
	if err != nil {
		return pipeline.Counters{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.process(batch), nil
}

// Run starts one worker per core and blocks until ctx is cancelled or a
// worker fails. dst may be nil. Run may be called once; afterwards the
// tables stay readable through Snapshot and ProcessBatch.
func (m *Manager) Run(ctx context.Context, src Source, dst Sink) error {
	if m.workers == nil {
		return ErrNotInitialized
	}
	if err := m.start(); err != nil {
		return err
	}
	defer m.stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range m.workers {
		g.Go(func() error {
			return w.run(ctx, src, dst)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// start hands the tables to the workers. It waits for direct callers to
// leave, so no table is touched from outside once running is set.
func (m *Manager) start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrRunning
	}
	m.started = true
	for _, w := range m.workers {
		w.done = make(chan struct{})
	}
	m.running.Store(true)
	return nil
}

func (m *Manager) stop() {
	m.mu.Lock()
	m.running.Store(false)
	m.mu.Unlock()
}

// Snapshot returns up to limit records from core's table, highest count
// first. The records are a sample in table order, not the global top.
// While workers run, the owning worker serves the request between batches.
func (m *Manager) Snapshot(ctx context.Context, core, limit int) ([]flowtable.Record, error) {
	w, err := m.worker(core)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	if limit > MaxSnapshotLimit {
		limit = MaxSnapshotLimit
	}
	m.mu.RLock()
	if !m.running.Load() {
		defer m.mu.RUnlock()
		return w.lockedSnapshot(limit), nil
	}
	done := w.done
	m.mu.RUnlock()

	req := snapshotRequest{limit: limit, reply: make(chan []flowtable.Record, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		// The worker exited after the running check; its table is free.
		return w.lockedSnapshot(limit), nil
	}
	select {
	case recs := <-req.reply:
		return recs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TableStats returns the occupancy each worker last published.
func (m *Manager) TableStats() []flowtable.Stats {
	out := make([]flowtable.Stats, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.tableStats())
	}
	return out
}
