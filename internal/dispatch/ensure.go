package dispatch

import (
	"context"

	"github.com/AltairaLabs/keeper/internal/service"
)

// EnsurePath creates a node and its ancestors before the first operation
// that depends on it. Operations on every lane share one EnsurePath and wait
// for it; a failed attempt leaves it pending, so the next attempt of any
// dependent operation tries again. Success is remembered for the life of
// the EnsurePath.
type EnsurePath struct {
	path string
	acl  []service.ACL
	// sem holds the done flag; receiving from it acquires the lock.
	sem chan bool
}

// NewEnsurePath returns an EnsurePath for path, creating missing nodes
// with acl.
func NewEnsurePath(path string, acl []service.ACL) *EnsurePath {
	e := &EnsurePath{path: path, acl: acl, sem: make(chan bool, 1)}
	e.sem <- false
	return e
}

// Path returns the ensured path.
func (e *EnsurePath) Path() string {
	return e.path
}

// Done reports whether the path has been created or found.
func (e *EnsurePath) Done() bool {
	done := <-e.sem
	e.sem <- done
	return done
}

func (d *Dispatcher) ensure(ctx context.Context, conn service.Conn, e *EnsurePath) error {
	var done bool
	select {
	case done = <-e.sem:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { e.sem <- done }()
	if done {
		return nil
	}

	if err := d.createParents(ctx, conn, e.path, e.acl); err != nil {
		d.logger.Debug("Ensure path failed", "path", e.path, "error", err)
		return err
	}
	done = true
	d.logger.Info("Ensured path", "path", e.path)
	return nil
}
