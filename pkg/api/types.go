// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import (
	"github.com/psaab/flowcounter/pkg/flowtable"
	"github.com/psaab/flowcounter/pkg/stats"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime     string `json:"uptime"`
	Variant    string `json:"variant"`
	Cores      int    `json:"cores"`
	Running    bool   `json:"running"`
	Interfaces int    `json:"interfaces_enabled"`
	Flows      uint64 `json:"flows"`
}

// CoreStats are one core's counters and table occupancy.
type CoreStats struct {
	Core int `json:"core"`
	stats.Totals
	Table flowtable.Stats `json:"table"`
}

// StatisticsResponse holds totals across cores plus the per-core breakdown.
type StatisticsResponse struct {
	Total stats.Totals `json:"total"`
	Cores []CoreStats  `json:"cores"`
}

// FlowEntry is one flow record rendered for display.
type FlowEntry struct {
	Src     string `json:"src"`
	Dst     string `json:"dst"`
	SrcPort uint16 `json:"src_port"`
	DstPort uint16 `json:"dst_port"`
	Count   uint64 `json:"count"`
}

// FlowsResponse is a snapshot of one core's table.
type FlowsResponse struct {
	Core  int         `json:"core"`
	Limit int         `json:"limit"`
	Flows []FlowEntry `json:"flows"`
}

// InterfaceAction is returned by enable and disable.
type InterfaceAction struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// FlowEntries converts table records for display.
func FlowEntries(recs []flowtable.Record) []FlowEntry {
	out := make([]FlowEntry, len(recs))
	for i, r := range recs {
		out[i] = FlowEntry{
			Src:     r.Key.SrcAddr().String(),
			Dst:     r.Key.DstAddr().String(),
			SrcPort: r.Key.SrcPort(),
			DstPort: r.Key.DstPort(),
			Count:   r.Count,
		}
	}
	return out
}
