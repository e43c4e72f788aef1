package recordsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MutationKind is the write operation of a mutation.
type MutationKind string

const (
	MutationCreate     MutationKind = "create"
	MutationUpdate     MutationKind = "update"
	MutationDelete     MutationKind = "delete"
	MutationUpdateMany MutationKind = "updateMany"
	MutationDeleteMany MutationKind = "deleteMany"
)

func (k MutationKind) valid() bool {
	switch k {
	case MutationCreate, MutationUpdate, MutationDelete, MutationUpdateMany, MutationDeleteMany:
		return true
	}
	return false
}

func (k MutationKind) many() bool {
	return k == MutationUpdateMany || k == MutationDeleteMany
}

// MutationState is the lifecycle position of a mutation.
type MutationState string

const (
	StateCreated        MutationState = "created"
	StateProjected      MutationState = "projected"
	StateAwaitingCommit MutationState = "awaiting_commit"
	StateCommitted      MutationState = "committed"
	StateRolledBack     MutationState = "rolled_back"
	StateFailed         MutationState = "failed"
)

// Resolved reports whether the state is terminal.
func (s MutationState) Resolved() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

// MutationRequest describes a write.
type MutationRequest struct {
	Resource string
	Kind     MutationKind
	ID       ID   // update, delete
	IDs      []ID // updateMany, deleteMany
	Data     Record

	// PreviousData overrides the snapshot read from the cache for single-id
	// writes. It is passed to the provider as the previous version.
	PreviousData Record

	// Mode and UndoDelay override the configured defaults when set.
	Mode      MutationMode
	UndoDelay *time.Duration

	// Project replaces the default projection (merge for updates, removal
	// for deletes).
	Project ProjectFunc

	OnSuccess func(Result)
	OnError   func(error)
	OnSettled func(Result, error)

	Meta map[string]interface{}
}

func (r MutationRequest) validate() error {
	if r.Resource == "" {
		return fmt.Errorf("%w: missing resource", ErrInvalidMutation)
	}
	if !r.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, r.Kind)
	}
	switch r.Kind {
	case MutationUpdate, MutationDelete:
		if r.ID == "" {
			return fmt.Errorf("%w: %s needs an id", ErrInvalidMutation, r.Kind)
		}
	case MutationUpdateMany, MutationDeleteMany:
		if len(r.IDs) == 0 {
			return fmt.Errorf("%w: %s needs ids", ErrInvalidMutation, r.Kind)
		}
	}
	switch r.Kind {
	case MutationCreate, MutationUpdate, MutationUpdateMany:
		if r.Data == nil {
			return fmt.Errorf("%w: %s needs data", ErrInvalidMutation, r.Kind)
		}
	}
	if r.Mode != "" && r.Mode != Pessimistic && r.Mode != Optimistic && r.Mode != Undoable {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidMutation, r.Mode)
	}
	if r.UndoDelay != nil && *r.UndoDelay < 0 {
		return fmt.Errorf("%w: negative undo delay", ErrInvalidMutation)
	}
	return nil
}

func (r MutationRequest) targetIDs() []ID {
	switch r.Kind {
	case MutationUpdate, MutationDelete:
		return []ID{r.ID}
	case MutationUpdateMany, MutationDeleteMany:
		return sortedIDs(r.IDs)
	}
	return nil
}

func (r MutationRequest) projectFunc() ProjectFunc {
	if r.Project != nil {
		return r.Project
	}
	switch r.Kind {
	case MutationUpdate, MutationUpdateMany:
		return MergeProjection(r.Data)
	case MutationDelete, MutationDeleteMany:
		return RemoveProjection()
	}
	return nil
}

// Result is the outcome of a committed mutation. Record is the provider's
// answer for single-record writes; IDs lists the affected ids.
type Result struct {
	Record Record
	IDs    []ID
}

// Mutation is the handle of a submitted write.
type Mutation struct {
	id       string
	queue    *MutationQueue
	req      MutationRequest
	ids      []ID
	mode     MutationMode
	ctx      context.Context
	previous map[ID]Record
	deadline time.Time

	projection ProjectionID
	timer      *undoTimer
	deps       []*Mutation
	issued     atomic.Bool

	mu     sync.Mutex
	state  MutationState
	result Result
	err    error
	done   chan struct{}
}

// ID returns the mutation identifier.
func (m *Mutation) ID() string { return m.id }

// Resource returns the target resource.
func (m *Mutation) Resource() string { return m.req.Resource }

// Kind returns the write operation.
func (m *Mutation) Kind() MutationKind { return m.req.Kind }

// IDs returns the affected ids, empty for creates.
func (m *Mutation) IDs() []ID { return append([]ID(nil), m.ids...) }

// Mode returns the effective mutation mode.
func (m *Mutation) Mode() MutationMode { return m.mode }

// Data returns the written payload.
func (m *Mutation) Data() Record { return m.req.Data }

// Meta returns the caller-supplied metadata.
func (m *Mutation) Meta() map[string]interface{} { return m.req.Meta }

// Previous returns the snapshot of id captured before the mutation was
// projected.
func (m *Mutation) Previous(id ID) Record { return m.previous[id] }

// Deadline returns the commit deadline of an undoable mutation, zero for
// the other modes.
func (m *Mutation) Deadline() time.Time { return m.deadline }

// CanUndo reports whether Cancel would still revert the mutation.
func (m *Mutation) CanUndo() bool { return m.timer != nil && m.timer.pending() }

// Issued reports whether the provider call has started.
func (m *Mutation) Issued() bool { return m.issued.Load() }

// State returns the current lifecycle state.
func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done is closed once the mutation is resolved.
func (m *Mutation) Done() <-chan struct{} { return m.done }

// Wait blocks until the mutation resolves or ctx is done. A cancelled
// undoable mutation returns ErrMutationCancelled.
func (m *Mutation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-m.done:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, m.err
}

// Cancel undoes an undoable mutation whose window is still open. The
// projection is reverted and the provider is never called. Once the window
// has closed it returns ErrUndoWindowClosed and changes nothing.
func (m *Mutation) Cancel() error {
	return m.queue.cancel(m)
}

func (m *Mutation) setState(s MutationState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// resolve moves the mutation to a terminal state once.
func (m *Mutation) resolve(s MutationState, res Result, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Resolved() {
		return false
	}
	m.state = s
	m.result = res
	m.err = err
	close(m.done)
	return true
}

// overlaps reports whether m writes to one of ids of resource.
func (m *Mutation) overlaps(resource string, ids map[ID]struct{}) bool {
	if m.req.Resource != resource {
		return false
	}
	for _, id := range m.ids {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}
