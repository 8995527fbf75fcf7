package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/psaab/flowcounter/pkg/flowtable"
)

// Reporter periodically logs a throughput summary.
type Reporter struct {
	*Sampler
	interval time.Duration
}

// NewReporter creates a reporter for reg. tables, if non-nil, supplies the
// current table occupancy.
func NewReporter(reg *Registry, tables func() []flowtable.Stats, interval time.Duration) *Reporter {
	return &Reporter{Sampler: NewSampler(reg, tables), interval: interval}
}

// Run starts the report loop. It blocks until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	slog.Info("stats reporter started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Reset(time.Now())
	for {
		select {
		case <-ctx.Done():
			slog.Info("stats reporter stopped")
			return
		case now := <-ticker.C:
			r.report(now)
		}
	}
}

// Summary is the delta between two samples.
type Summary struct {
	Packets   uint64  `json:"packets"`
	NewFlows  uint64  `json:"new_flows"`
	Malformed uint64  `json:"malformed"`
	Dropped   uint64  `json:"dropped"`
	Rate      float64 `json:"pps"`
	Flows     uint64  `json:"flows"` // entries across all tables
}

// Sampler turns cumulative totals into per-interval deltas. It is not safe
// for concurrent use; each consumer keeps its own.
type Sampler struct {
	reg    *Registry
	tables func() []flowtable.Stats

	last     Totals
	lastTime time.Time
}

// NewSampler returns a sampler whose first interval starts now.
func NewSampler(reg *Registry, tables func() []flowtable.Stats) *Sampler {
	r := &Sampler{reg: reg, tables: tables}
	r.Reset(time.Now())
	return r
}

// Reset starts a new interval at now.
func (r *Sampler) Reset(now time.Time) {
	r.last = r.reg.Totals()
	r.lastTime = now
}

// Next computes the delta since the previous sample and advances it.
func (r *Sampler) Next(now time.Time) Summary {
	cur := r.reg.Totals()
	s := Summary{
		Packets:   cur.Packets - r.last.Packets,
		NewFlows:  cur.NewFlows - r.last.NewFlows,
		Malformed: cur.Malformed - r.last.Malformed,
		Dropped:   cur.Dropped - r.last.Dropped,
	}
	if el := now.Sub(r.lastTime).Seconds(); el > 0 {
		s.Rate = float64(s.Packets) / el
	}
	if r.tables != nil {
		for _, t := range r.tables() {
			s.Flows += t.Entries
		}
	}
	r.last = cur
	r.lastTime = now
	return s
}

func (r *Reporter) report(now time.Time) {
	s := r.Next(now)
	if s.Packets == 0 {
		return
	}
	attrs := []any{
		"packets", s.Packets,
		"pps", int64(s.Rate),
		"new_flows", s.NewFlows,
		"flows", s.Flows,
	}
	if s.Malformed > 0 {
		attrs = append(attrs, "malformed", s.Malformed)
	}
	if s.Dropped > 0 {
		attrs = append(attrs, "dropped", s.Dropped)
		slog.Warn("flow tables exhausted, count updates dropped", attrs...)
		return
	}
	slog.Info("dataplane stats", attrs...)
}
