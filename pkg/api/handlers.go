package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/flowcounter/pkg/dataplane"
	"github.com/psaab/flowcounter/pkg/iface"
)

// snapshotTimeout bounds how long a flows request waits for a busy worker.
const snapshotTimeout = 2 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if s.dp != nil {
		resp.Variant = s.dp.Variant().Name
		resp.Cores = s.dp.Cores()
		resp.Running = s.dp.Running()
		for _, t := range s.dp.TableStats() {
			resp.Flows += t.Entries
		}
	}
	if s.ifaces != nil {
		resp.Interfaces = s.ifaces.Snapshot().Len()
	}
	writeOK(w, resp)
}

func (s *Server) statisticsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics not available")
		return
	}
	resp := StatisticsResponse{
		Total: s.stats.Totals(),
		Cores: make([]CoreStats, s.stats.Cores()),
	}
	tables := s.tableStats()
	for i := range resp.Cores {
		resp.Cores[i] = CoreStats{Core: i, Totals: s.stats.Core(i)}
		if i < len(tables) {
			resp.Cores[i].Table = tables[i]
		}
	}
	writeOK(w, resp)
}

func (s *Server) interfacesHandler(w http.ResponseWriter, _ *http.Request) {
	if s.ifaces == nil {
		writeError(w, http.StatusServiceUnavailable, "interface registry not available")
		return
	}
	writeOK(w, s.ifaces.List())
}

func (s *Server) enableHandler(w http.ResponseWriter, r *http.Request) {
	s.setInterface(w, r.PathValue("name"), true)
}

func (s *Server) disableHandler(w http.ResponseWriter, r *http.Request) {
	s.setInterface(w, r.PathValue("name"), false)
}

func (s *Server) setInterface(w http.ResponseWriter, name string, on bool) {
	if s.ifaces == nil {
		writeError(w, http.StatusServiceUnavailable, "interface registry not available")
		return
	}
	var err error
	if on {
		err = s.ifaces.Enable(name)
	} else {
		err = s.ifaces.Disable(name)
	}
	switch {
	case errors.Is(err, iface.ErrUnknown):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, iface.ErrNotPhysical):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeOK(w, InterfaceAction{Name: name, Enabled: on})
	}
}

// flowsHandler returns a snapshot of one core's table.
// Query: core (required), limit (default 100, max 10000).
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	if s.dp == nil {
		writeError(w, http.StatusServiceUnavailable, "dataplane not available")
		return
	}
	q := r.URL.Query()
	core, err := strconv.Atoi(q.Get("core"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "core parameter required")
		return
	}
	limit := dataplane.DefaultSnapshotLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	limit = min(limit, dataplane.MaxSnapshotLimit)

	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()
	recs, err := s.dp.Snapshot(ctx, core, limit)
	switch {
	case errors.Is(err, dataplane.ErrNoCore):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, dataplane.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeOK(w, FlowsResponse{Core: core, Limit: limit, Flows: FlowEntries(recs)})
}
