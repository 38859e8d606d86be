// Package tracer records timings and counters from the connection and
// dispatch layers. Drivers decide where they go: slog, Prometheus, or both.
package tracer

import (
	"context"
	"log/slog"
	"time"
)

// Names used by keeper components.
const (
	RetriesAllowed    = "retries-allowed"
	RetriesDisallowed = "retries-disallowed"
	SessionExpired    = "session-expired"
	ConnectionLost    = "connection-lost"
	ConnectionDrop    = "connection-drop"
	SessionCreated    = "session-created"
	OperationPrefix   = "operation-"
)

// Driver receives trace events.
type Driver interface {
	AddTrace(name string, d time.Duration)
	AddCount(name string, n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) AddTrace(string, time.Duration) {}
func (Nop) AddCount(string, int)           {}

// Multi fans out to several drivers.
type Multi []Driver

func (m Multi) AddTrace(name string, d time.Duration) {
	for _, drv := range m {
		drv.AddTrace(name, d)
	}
}

func (m Multi) AddCount(name string, n int) {
	for _, drv := range m {
		drv.AddCount(name, n)
	}
}

// Slog writes trace events as debug records.
type Slog struct {
	logger *slog.Logger
}

// NewSlog returns a driver logging through logger (slog.Default if nil).
func NewSlog(logger *slog.Logger) *Slog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slog{logger: logger}
}

func (s *Slog) AddTrace(name string, d time.Duration) {
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "trace",
		slog.String("name", name), slog.Duration("duration", d))
}

func (s *Slog) AddCount(name string, n int) {
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "count",
		slog.String("name", name), slog.Int("increment", n))
}

// Trace times one span.
type Trace struct {
	name   string
	driver Driver
	start  time.Time
}

// Start begins timing name on driver.
func Start(driver Driver, name string) *Trace {
	return &Trace{name: name, driver: driver, start: time.Now()}
}

// Commit records the elapsed time.
func (t *Trace) Commit() {
	t.driver.AddTrace(t.name, time.Since(t.start))
}

// OrNop returns d, or Nop when d is nil.
func OrNop(d Driver) Driver {
	if d == nil {
		return Nop{}
	}
	return d
}
