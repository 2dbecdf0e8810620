// Package registry tracks event-listener registrations per owning instance
// and guarantees bulk teardown.
//
// Every call site that subscribes to a bridge or socket event pushes its
// cleanup closure into the owner's registration. When the owner is torn down
// all of its cleanups run exactly once, and from then on the owner is
// permanently dead: it can never re-register and inbound events addressed to
// it are dropped instead of processed. This prevents a long-lived singleton
// from firing into a torn-down per-view instance.
package registry

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// CleanupFunc releases one subscription. Errors are logged and do not stop
// the remaining cleanups from running.
type CleanupFunc func() error

type owner struct {
	cleanups []CleanupFunc
}

// Registry is the listener lifecycle registry. The zero value is not usable;
// use New.
type Registry struct {
	mu        sync.Mutex
	log       zerolog.Logger
	owners    map[string]*owner
	destroyed map[string]bool
}

// New creates a Registry logging through log.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log:       log,
		owners:    make(map[string]*owner),
		destroyed: make(map[string]bool),
	}
}

// Register creates a registration for ownerID. Registering an already-live
// owner is a no-op; registering a destroyed owner is refused.
func (r *Registry) Register(ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed[ownerID] {
		return fmt.Errorf("owner %q was destroyed and cannot re-register", ownerID)
	}
	if _, ok := r.owners[ownerID]; !ok {
		r.owners[ownerID] = &owner{}
	}
	return nil
}

// RegisterCleanup adds a cleanup closure to ownerID's registration, creating
// the registration if needed. Destroyed owners are refused; the caller still
// holds the subscription and must release it itself.
func (r *Registry) RegisterCleanup(ownerID string, fn CleanupFunc) error {
	if fn == nil {
		return fmt.Errorf("nil cleanup for owner %q", ownerID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed[ownerID] {
		return fmt.Errorf("owner %q was destroyed and cannot re-register", ownerID)
	}
	o, ok := r.owners[ownerID]
	if !ok {
		o = &owner{}
		r.owners[ownerID] = o
	}
	o.cleanups = append(o.cleanups, fn)
	return nil
}

// Unregister tears down ownerID: every registered cleanup runs exactly once,
// each error isolated, and the owner is marked destroyed. Unregistering an
// unknown or already-destroyed owner is a safe no-op.
func (r *Registry) Unregister(ownerID string) {
	r.mu.Lock()
	o := r.owners[ownerID]
	delete(r.owners, ownerID)
	r.destroyed[ownerID] = true
	r.mu.Unlock()

	if o == nil {
		return
	}
	for _, fn := range o.cleanups {
		r.runCleanup(ownerID, fn)
	}
}

// CleanupAll tears down every live owner.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.owners))
	for id := range r.owners {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unregister(id)
	}
}

// Alive reports whether ownerID is registered and not destroyed.
func (r *Registry) Alive(ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[ownerID]
	return ok && !r.destroyed[ownerID]
}

// Deliver runs fn only while ownerID is alive. Events for destroyed owners
// are dropped with a warning, which is the load-bearing guarantee of this
// registry.
func (r *Registry) Deliver(ownerID string, fn func()) {
	if !r.Alive(ownerID) {
		r.log.Warn().Str("owner", ownerID).Msg("dropped event for destroyed owner")
		return
	}
	fn()
}

// runCleanup invokes one cleanup closure, containing errors and panics so one
// failing closure cannot prevent the rest from running.
func (r *Registry) runCleanup(ownerID string, fn CleanupFunc) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("owner", ownerID).Interface("panic", rec).Msg("cleanup panicked")
		}
	}()
	if err := fn(); err != nil {
		r.log.Warn().Str("owner", ownerID).Err(err).Msg("cleanup failed")
	}
}
