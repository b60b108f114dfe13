package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

func TestRecorderCounters(t *testing.T) {
	m := New()
	m.BatchCreated(false, 12)
	m.BatchCreated(true, 3)
	m.BatchCreated(true, 4)
	m.BatchDelivered(5, 1)
	m.Failure("upload")
	m.FloodWait(3 * time.Second)
	m.BatchesPurged(2)
	m.BatchesPurged(0)

	if got := testutil.ToFloat64(m.batches.WithLabelValues("pbatch")); got != 2 {
		t.Fatalf("pbatch count = %v", got)
	}
	if got := testutil.ToFloat64(m.deliveredFile.WithLabelValues("sent")); got != 5 {
		t.Fatalf("sent files = %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("upload")); got != 1 {
		t.Fatalf("upload errors = %v", got)
	}
	if got := testutil.ToFloat64(m.floodSeconds); got != 3 {
		t.Fatalf("flood seconds = %v", got)
	}
	if got := testutil.ToFloat64(m.purged); got != 2 {
		t.Fatalf("purged = %v", got)
	}
}

func TestRouter(t *testing.T) {
	m := New()
	m.BatchCreated(false, 1)
	var connected atomic.Bool
	srv := httptest.NewServer(NewRouter(m, connected.Load))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while disconnected, got %d", resp.StatusCode)
	}

	connected.Store(true)
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `tgbatch_batches_total{mode="batch"} 1`) {
		t.Fatalf("metrics output missing batch counter:\n%s", body)
	}
}

func TestStartAndShutdown(t *testing.T) {
	s, err := Start("127.0.0.1:0", New(), nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
