package dataplane

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/psaab/flowcounter/pkg/flowtable"
	"github.com/psaab/flowcounter/pkg/pipeline"
	"github.com/psaab/flowcounter/pkg/stats"
)

// Snapshot limits.
const (
	DefaultSnapshotLimit = 100
	MaxSnapshotLimit     = 10000
)

type snapshotRequest struct {
	limit int
	reply chan []flowtable.Record
}

// Worker runs one core: it owns the table and engine and processes
// batches run-to-completion in arrival order.
type Worker struct {
	core      int
	cpu       int // -1 = not pinned
	table     *flowtable.Table
	engine    *pipeline.Engine
	batchSize int
	gates     GateProvider
	sink      stats.Sink

	requests chan snapshotRequest
	done     chan struct{} // closed when run returns; set by Manager.start

	// mu serializes callers that use the table without the worker loop
	// (ProcessBatch, Snapshot while stopped).
	mu sync.Mutex

	// Published after every batch for readers on other goroutines.
	entries      atomic.Uint64
	overflowUsed atomic.Uint32
	exhausted    atomic.Uint64
	static       flowtable.Stats
}

// run is the worker loop: receive, process, record, transmit. Snapshot
// requests are served between batches.
func (w *Worker) run(ctx context.Context, src Source, dst Sink) error {
	defer close(w.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.cpu >= 0 {
		if err := pinToCPU(w.cpu); err != nil {
			slog.Warn("failed to pin worker", "core", w.core, "cpu", w.cpu, "err", err)
		}
	}
	slog.Debug("worker started", "core", w.core, "cpu", w.cpu, "table", w.table.Name())

	batch := make([]pipeline.Packet, w.batchSize)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("worker stopped", "core", w.core)
			return ctx.Err()
		case req := <-w.requests:
			req.reply <- w.snapshot(req.limit)
		default:
		}

		n, err := src.Receive(ctx, w.core, batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("core %d receive: %w", w.core, err)
		}
		if n == 0 {
			continue
		}
		w.process(batch[:n])
		if dst != nil {
			if err := dst.Transmit(w.core, batch[:n]); err != nil {
				slog.Debug("transmit failed", "core", w.core, "err", err)
			}
		}
	}
}

// process runs one batch through the engine. The gate is read once so a
// concurrent Enable or Disable takes effect at the next batch boundary.
func (w *Worker) process(batch []pipeline.Packet) pipeline.Counters {
	var gate pipeline.Gate
	if w.gates != nil {
		gate = w.gates.Gate()
	}
	c := w.engine.Process(w.table, batch, gate)
	if w.sink != nil {
		w.sink.Record(w.core, c)
	}
	w.publish()
	return c
}

func (w *Worker) publish() {
	st := w.table.Stats()
	if w.static.Name == "" {
		w.static = st
	}
	w.entries.Store(st.Entries)
	w.overflowUsed.Store(st.OverflowUsed)
	w.exhausted.Store(st.ExhaustedInsert)
}

func (w *Worker) tableStats() flowtable.Stats {
	st := w.static
	st.Entries = w.entries.Load()
	st.OverflowUsed = w.overflowUsed.Load()
	st.ExhaustedInsert = w.exhausted.Load()
	return st
}

// snapshot copies up to limit records, highest count first. Only the owner
// may call it; other goroutines use lockedSnapshot while the worker is
// stopped.
func (w *Worker) snapshot(limit int) []flowtable.Record {
	out := make([]flowtable.Record, 0, min(uint64(limit), w.table.Len()))
	w.table.Iterate(func(r flowtable.Record) bool {
		out = append(out, r)
		return len(out) < limit
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key[0] < out[j].Key[0] ||
			(out[i].Key[0] == out[j].Key[0] && out[i].Key[1] < out[j].Key[1])
	})
	return out
}

func (w *Worker) lockedSnapshot(limit int) []flowtable.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot(limit)
}

func (w *Worker) close() error {
	return w.table.Close()
}
