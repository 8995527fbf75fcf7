package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psaab/flowcounter/pkg/pipeline"
	"github.com/psaab/flowcounter/pkg/stats"
)

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	setSSEHeaders(w)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "42", "summary", `{"packets":1}`)

	body := w.Body.String()
	if body != "id: 42\nevent: summary\ndata: {\"packets\":1}\n\n" {
		t.Errorf("body = %q", body)
	}

	w = httptest.NewRecorder()
	writeSSEEvent(w, "1", "", "hello")
	if strings.Contains(w.Body.String(), "event:") {
		t.Errorf("should not have event line when empty, got %q", w.Body.String())
	}
}

func TestStatisticsStream(t *testing.T) {
	reg := stats.NewRegistry(1)
	s := &Server{stats: reg}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/api/v1/statistics/stream?interval=100ms", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.statisticsStreamHandler(w, req)
		close(done)
	}()

	// Record after the handler has taken its first sample.
	time.Sleep(30 * time.Millisecond)
	reg.Record(0, pipeline.Counters{Packets: 10, NewFlows: 3})
	time.Sleep(320 * time.Millisecond)
	cancel()
	<-done

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	var total stats.Summary
	events := 0
	for _, line := range strings.Split(w.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var sum stats.Summary
		if err := json.Unmarshal([]byte(data), &sum); err != nil {
			t.Fatalf("bad event %q: %v", data, err)
		}
		total.Packets += sum.Packets
		total.NewFlows += sum.NewFlows
		events++
	}
	if events < 2 {
		t.Fatalf("got %d events, want at least 2", events)
	}
	if total.Packets != 10 || total.NewFlows != 3 {
		t.Errorf("summed deltas = %+v, want 10 packets, 3 new flows", total)
	}
}

func TestStatisticsStreamBadInterval(t *testing.T) {
	s := &Server{stats: stats.NewRegistry(1)}
	req := httptest.NewRequest("GET", "/api/v1/statistics/stream?interval=soon", nil)
	w := httptest.NewRecorder()
	s.statisticsStreamHandler(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
