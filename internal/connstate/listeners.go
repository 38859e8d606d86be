package connstate

import "sync"

// Listener is notified of every state transition, in order, on the
// manager's event goroutine. Listeners must not call OnRawEvent.
type Listener interface {
	StateChanged(Change)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Change)

// StateChanged calls f.
func (f ListenerFunc) StateChanged(c Change) {
	f(c)
}

type listenerEntry struct {
	id       uint64
	listener Listener
}

// registry is the listener set, guarded by its own lock so registration
// never waits on a broadcast in progress.
type registry struct {
	mu      sync.Mutex
	nextID  uint64
	entries []listenerEntry
}

func (r *registry) add(l Listener) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries = append(r.entries, listenerEntry{id: r.nextID, listener: l})
	return r.nextID
}

func (r *registry) remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry) snapshot() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Listener, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.listener
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
