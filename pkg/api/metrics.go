package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// flowcounterCollector implements prometheus.Collector, reading the stats
// registry and published table occupancy on each scrape.
type flowcounterCollector struct {
	srv *Server

	// Per-core counters
	packetsTotal   *prometheus.Desc
	newFlowsTotal  *prometheus.Desc
	malformedTotal *prometheus.Desc
	droppedTotal   *prometheus.Desc
	bypassedTotal  *prometheus.Desc
	batchesTotal   *prometheus.Desc

	// Per-table gauges
	tableEntries        *prometheus.Desc
	tableCapacity       *prometheus.Desc
	tableOverflowUsed   *prometheus.Desc
	tableOverflowTotal  *prometheus.Desc
	tableExhaustedTotal *prometheus.Desc
	tableMemoryBytes    *prometheus.Desc

	interfacesEnabled *prometheus.Desc
}

func newCollector(srv *Server) *flowcounterCollector {
	coreDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, []string{"core"}, nil)
	}
	tableDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, []string{"table"}, nil)
	}
	return &flowcounterCollector{
		srv: srv,

		packetsTotal:   coreDesc("flowcounter_packets_total", "Total packets processed."),
		newFlowsTotal:  coreDesc("flowcounter_new_flows_total", "Total flow records inserted."),
		malformedTotal: coreDesc("flowcounter_malformed_total", "Total frames with no derivable flow key."),
		droppedTotal:   coreDesc("flowcounter_dropped_total", "Total count updates lost to table exhaustion."),
		bypassedTotal:  coreDesc("flowcounter_bypassed_total", "Total packets from interfaces with counting disabled."),
		batchesTotal:   coreDesc("flowcounter_batches_total", "Total batches processed."),

		tableEntries:        tableDesc("flowcounter_table_entries", "Flow records currently stored."),
		tableCapacity:       tableDesc("flowcounter_table_capacity", "Maximum flow records the table can store."),
		tableOverflowUsed:   tableDesc("flowcounter_table_overflow_buckets_used", "Overflow buckets in use."),
		tableOverflowTotal:  tableDesc("flowcounter_table_overflow_buckets", "Overflow buckets reserved."),
		tableExhaustedTotal: tableDesc("flowcounter_table_exhausted_inserts_total", "Inserts rejected because the table was full."),
		tableMemoryBytes:    tableDesc("flowcounter_table_memory_bytes", "Memory reserved for the table."),

		interfacesEnabled: prometheus.NewDesc(
			"flowcounter_interfaces_enabled",
			"Interfaces with flow counting enabled.",
			nil, nil,
		),
	}
}

func (c *flowcounterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTotal
	ch <- c.newFlowsTotal
	ch <- c.malformedTotal
	ch <- c.droppedTotal
	ch <- c.bypassedTotal
	ch <- c.batchesTotal
	ch <- c.tableEntries
	ch <- c.tableCapacity
	ch <- c.tableOverflowUsed
	ch <- c.tableOverflowTotal
	ch <- c.tableExhaustedTotal
	ch <- c.tableMemoryBytes
	ch <- c.interfacesEnabled
}

func (c *flowcounterCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectCoreCounters(ch)
	c.collectTableGauges(ch)
	if c.srv.ifaces != nil {
		ch <- prometheus.MustNewConstMetric(c.interfacesEnabled, prometheus.GaugeValue,
			float64(c.srv.ifaces.Snapshot().Len()))
	}
}

func (c *flowcounterCollector) collectCoreCounters(ch chan<- prometheus.Metric) {
	reg := c.srv.stats
	if reg == nil {
		return
	}
	for i := 0; i < reg.Cores(); i++ {
		t := reg.Core(i)
		core := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue, float64(t.Packets), core)
		ch <- prometheus.MustNewConstMetric(c.newFlowsTotal, prometheus.CounterValue, float64(t.NewFlows), core)
		ch <- prometheus.MustNewConstMetric(c.malformedTotal, prometheus.CounterValue, float64(t.Malformed), core)
		ch <- prometheus.MustNewConstMetric(c.droppedTotal, prometheus.CounterValue, float64(t.Dropped), core)
		ch <- prometheus.MustNewConstMetric(c.bypassedTotal, prometheus.CounterValue, float64(t.Bypassed), core)
		ch <- prometheus.MustNewConstMetric(c.batchesTotal, prometheus.CounterValue, float64(t.Batches), core)
	}
}

func (c *flowcounterCollector) collectTableGauges(ch chan<- prometheus.Metric) {
	for _, st := range c.srv.tableStats() {
		ch <- prometheus.MustNewConstMetric(c.tableEntries, prometheus.GaugeValue, float64(st.Entries), st.Name)
		ch <- prometheus.MustNewConstMetric(c.tableCapacity, prometheus.GaugeValue, float64(st.Capacity), st.Name)
		ch <- prometheus.MustNewConstMetric(c.tableOverflowUsed, prometheus.GaugeValue, float64(st.OverflowUsed), st.Name)
		ch <- prometheus.MustNewConstMetric(c.tableOverflowTotal, prometheus.GaugeValue, float64(st.OverflowTotal), st.Name)
		ch <- prometheus.MustNewConstMetric(c.tableExhaustedTotal, prometheus.CounterValue, float64(st.ExhaustedInsert), st.Name)
		ch <- prometheus.MustNewConstMetric(c.tableMemoryBytes, prometheus.GaugeValue, float64(st.MemoryBytes), st.Name)
	}
}
