package framework

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/AltairaLabs/keeper/internal/connstate"
	"github.com/AltairaLabs/keeper/internal/dispatch"
	"github.com/AltairaLabs/keeper/internal/opserr"
	"github.com/AltairaLabs/keeper/internal/service"
)

// guaranteeable reports whether a failed guaranteed delete should be
// retried in the background.
func guaranteeable(err error) bool {
	switch opserr.KindOf(err) {
	case opserr.KindRecoverable, opserr.KindTimeout, opserr.KindSessionFatal:
		return true
	default:
		return false
	}
}

type pendingDelete struct {
	version  int32
	children bool
}

// guaranteedDeletes re-submits failed guaranteed deletes whenever the
// connection comes back and on a fixed interval.
type guaranteedDeletes struct {
	c        *Client
	clock    clock.Clock
	interval time.Duration

	mu       sync.Mutex
	pending  map[string]pendingDelete
	inFlight map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newGuaranteedDeletes(c *Client, clk clock.Clock, interval time.Duration) *guaranteedDeletes {
	return &guaranteedDeletes{
		c:        c,
		clock:    clk,
		interval: interval,
		pending:  make(map[string]pendingDelete),
		inFlight: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

func (g *guaranteedDeletes) add(path string, version int32, children bool) {
	g.mu.Lock()
	g.pending[path] = pendingDelete{version: version, children: children}
	g.mu.Unlock()
	g.c.logger.Warn("Guaranteed delete failed; will retry in background", "path", path)
}

// Len is the number of deletes still outstanding.
func (g *guaranteedDeletes) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// StateChanged flushes pending deletes when the connection is usable again.
func (g *guaranteedDeletes) StateChanged(change connstate.Change) {
	if change.To == connstate.StateConnected || change.To == connstate.StateReconnected {
		g.flush()
	}
}

func (g *guaranteedDeletes) start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := g.clock.Ticker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.flush()
			case <-g.done:
				return
			}
		}
	}()
}

func (g *guaranteedDeletes) stop() {
	g.once.Do(func() { close(g.done) })
	g.wg.Wait()
}

// flush submits every pending delete that is not already in flight.
func (g *guaranteedDeletes) flush() {
	g.mu.Lock()
	var batch []string
	for path := range g.pending {
		if !g.inFlight[path] {
			g.inFlight[path] = true
			batch = append(batch, path)
		}
	}
	g.mu.Unlock()

	for _, path := range batch {
		g.mu.Lock()
		pd := g.pending[path]
		g.mu.Unlock()

		f := g.c.submit(&dispatch.Operation{
			Request:        service.DeleteRequest{Path: path, Version: pd.version},
			DeleteChildren: pd.children,
		})
		f.OnComplete(func(_ *dispatch.Result, err error) {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.inFlight, path)
			if err == nil || errors.Is(err, service.ErrNoNode) || !guaranteeable(err) {
				delete(g.pending, path)
				g.c.logger.Info("Guaranteed delete settled", "path", path, "error", err)
			}
		})
	}
}
