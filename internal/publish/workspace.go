package publish

import (
	"context"

	"github.com/dyluth/herald/internal/index"
	"github.com/dyluth/herald/internal/store"
	"golang.org/x/sync/semaphore"
)

// Workspace pairs the index and store checkouts behind one lock. A publish
// holds the lock from pulling the source until the index is updated, so the
// two repositories only ever see one writer.
type Workspace struct {
	Index *index.Index
	Store *store.Store

	lock *semaphore.Weighted
}

// NewWorkspace creates a workspace over idx and st.
func NewWorkspace(idx *index.Index, st *store.Store) *Workspace {
	return &Workspace{Index: idx, Store: st, lock: semaphore.NewWeighted(1)}
}

// Acquire blocks until the workspace is free. Waiters are served in arrival order.
func (w *Workspace) Acquire(ctx context.Context) error {
	return w.lock.Acquire(ctx, 1)
}

// TryAcquire takes the lock only if it is free and nobody is queued for it.
func (w *Workspace) TryAcquire() bool {
	return w.lock.TryAcquire(1)
}

// Release frees the workspace.
func (w *Workspace) Release() {
	w.lock.Release(1)
}
