package tracer

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recorder struct {
	mu     sync.Mutex
	traces []string
	counts map[string]int
}

func (r *recorder) AddTrace(name string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, name)
}

func (r *recorder) AddCount(name string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[name] += n
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, b}

	m.AddCount(RetriesAllowed, 2)
	Start(m, "operation-create").Commit()

	for _, r := range []*recorder{a, b} {
		if r.counts[RetriesAllowed] != 2 {
			t.Errorf("Expected count 2, got %d", r.counts[RetriesAllowed])
		}
		if len(r.traces) != 1 || r.traces[0] != "operation-create" {
			t.Errorf("Expected one operation-create trace, got %v", r.traces)
		}
	}
}

func TestPrometheusDriver(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "keeper")
	if err != nil {
		t.Fatalf("NewPrometheus failed: %v", err)
	}

	p.AddCount(RetriesAllowed, 1)
	p.AddCount(RetriesAllowed, 2)
	p.AddCount(SessionExpired, 1)
	p.AddTrace("operation-get_data", 3*time.Millisecond)

	if got := testutil.ToFloat64(p.Counter().WithLabelValues(RetriesAllowed)); got != 3 {
		t.Errorf("Expected 3 retries counted, got %v", got)
	}
	if got := testutil.ToFloat64(p.Counter().WithLabelValues(SessionExpired)); got != 1 {
		t.Errorf("Expected 1 session expiry counted, got %v", got)
	}
	n, err := testutil.GatherAndCount(reg, "keeper_trace_duration_seconds")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 histogram series, got %d", n)
	}

	again, err := NewPrometheus(reg, "keeper")
	if err != nil {
		t.Fatalf("Expected re-registration to reuse collectors, got %v", err)
	}
	again.AddCount(RetriesAllowed, 1)
	if got := testutil.ToFloat64(p.Counter().WithLabelValues(RetriesAllowed)); got != 4 {
		t.Errorf("Expected shared counter at 4, got %v", got)
	}
}

func TestSlogDriver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	d := NewSlog(logger)
	d.AddCount(ConnectionLost, 1)
	d.AddTrace("operation-exists", time.Millisecond)

	out := buf.String()
	if !strings.Contains(out, "name=connection-lost") || !strings.Contains(out, "increment=1") {
		t.Errorf("Expected count record, got %q", out)
	}
	if !strings.Contains(out, "name=operation-exists") {
		t.Errorf("Expected trace record, got %q", out)
	}
}

func TestOrNop(t *testing.T) {
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Error("Expected Nop for nil driver")
	}
	r := &recorder{}
	if OrNop(r) != Driver(r) {
		t.Error("Expected non-nil driver to pass through")
	}
}
