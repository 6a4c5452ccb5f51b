package download

import (
	"context"
	"fmt"
	"sync"

	"remedia/internal/event"
	"remedia/internal/logging"
	"remedia/internal/store"
)

// Registry enforces the download lifecycle over the persistent store.
// Mutations to the same URL are serialized with a per-key lock so a status
// update cannot be lost to a concurrent re-submission; unrelated URLs proceed
// independently.
type Registry struct {
	st  *store.Store
	hub *event.Hub

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates a Registry over the given store. The hub may be nil;
// no emissions are published then.
func NewRegistry(st *store.Store, hub *event.Hub) *Registry {
	return &Registry{
		st:    st,
		hub:   hub,
		locks: make(map[string]*sync.Mutex),
	}
}

// lock acquires the per-URL mutex and returns the release function.
// Lock entries are kept for the lifetime of the process; the map is bounded
// by the number of distinct URLs ever submitted.
func (r *Registry) lock(url string) func() {
	r.mu.Lock()
	l, ok := r.locks[url]
	if !ok {
		l = &sync.Mutex{}
		r.locks[url] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateOrUpdate idempotently upserts a download request keyed by URL.
// Re-submitting a URL overwrites its request fields and resets its status to
// queued, including from a terminal state.
func (r *Registry) CreateOrUpdate(ctx context.Context, url, container, nameFormat, quality string) (store.Download, error) {
	unlock := r.lock(url)
	defer unlock()

	d, err := r.st.UpsertDownload(ctx, url, container, nameFormat, quality)
	if err != nil {
		return store.Download{}, err
	}
	if r.hub != nil {
		// Any retained snapshot belongs to the superseded request.
		r.hub.ClearProgress(url)
	}
	return d, nil
}

// Get returns the record for a URL. ErrNotFound when absent.
func (r *Registry) Get(ctx context.Context, url string) (store.Download, error) {
	d, ok, err := r.st.GetDownload(ctx, url)
	if err != nil {
		return store.Download{}, err
	}
	if !ok {
		return store.Download{}, ErrNotFound
	}
	return d, nil
}

// SetStatus transitions a record's status. ErrNotFound for unknown URLs,
// ErrInvalidTransition when the state machine rejects the change (terminal
// states are sticky). A successful transition to completed publishes
// YtdlpUrlSuccess exactly once.
func (r *Registry) SetStatus(ctx context.Context, url string, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, string(to))
	}
	unlock := r.lock(url)
	defer unlock()

	d, ok, err := r.st.GetDownload(ctx, url)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	from := Status(d.Status)
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	applied, err := r.st.UpdateStatus(ctx, url, string(to), string(from))
	if err != nil {
		return err
	}
	if !applied {
		// Unreachable while mutations hold the per-key lock.
		return fmt.Errorf("status transition lost for %s", url)
	}
	logging.LogStatusChange(url, string(to))
	if r.hub != nil {
		switch to {
		case StatusCompleted:
			r.hub.PublishURLSuccess(url)
		case StatusFailed:
			r.hub.ClearProgress(url)
		}
	}
	return nil
}

// Remove deletes the record for a URL; used for cancellation. Removing an
// unknown URL is a no-op since cancel-of-already-finished is a benign race.
func (r *Registry) Remove(ctx context.Context, url string) error {
	unlock := r.lock(url)
	defer unlock()

	if err := r.st.DeleteDownload(ctx, url); err != nil {
		return err
	}
	if r.hub != nil {
		r.hub.ClearProgress(url)
	}
	return nil
}

// List returns all current records in insertion order for stable display.
func (r *Registry) List(ctx context.Context) ([]store.Download, error) {
	return r.st.ListDownloads(ctx)
}
