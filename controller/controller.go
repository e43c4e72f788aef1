// Package controller binds view state to cache entries. A controller owns
// the subscription for the query its view displays, switches it when the
// view parameters change and issues mutations through the client.
package controller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/burugo/recordsync"
)

// ErrClosed is returned by controllers after Close.
var ErrClosed = errors.New("controller: closed")

// State is what a view renders.
type State struct {
	Resource string
	Record   recordsync.Record   // show, edit, create
	Records  []recordsync.Record // list
	Total    int

	Error         error // last read failure, kept alongside stale data
	MutationError error // last failed write issued by this controller

	IsLoading  bool
	IsFetching bool
	IsStale    bool
	Saving     bool

	// List parameters.
	Page             int
	PerPage          int
	Sort             recordsync.Sort
	Filter           map[string]interface{}
	DisplayedFilters map[string]bool
	HasPreviousPage  bool
	HasNextPage      bool
	SelectedIDs      []recordsync.ID

	Version uint64
}

type listener struct {
	id     uint64
	fn     func(State)
	last   atomic.Uint64
	closed atomic.Bool
}

func (l *listener) deliver(s State) {
	for {
		if l.closed.Load() {
			return
		}
		last := l.last.Load()
		if s.Version <= last {
			return
		}
		if l.last.CompareAndSwap(last, s.Version) {
			break
		}
	}
	l.fn(s)
}

// base holds the subscription plumbing shared by every controller. derive
// builds the concrete state and runs with mu held.
type base struct {
	client   *recordsync.Client
	resource string
	logger   *zap.Logger
	derive   func(*State)

	mu          sync.Mutex
	key         recordsync.QueryKey
	hasKey      bool
	gen         uint64
	unsubscribe func()
	snap        recordsync.Snapshot
	saving      int
	mutationErr error
	version     uint64
	listeners   map[uint64]*listener
	nextID      uint64
	closed      bool
}

func newBase(client *recordsync.Client, resource, kind string) *base {
	return &base{
		client:    client,
		resource:  resource,
		logger:    client.Logger().Named("controller").With(zap.String("controller", kind), zap.String("resource", resource)),
		listeners: make(map[uint64]*listener),
	}
}

// stateLocked builds the current state. Callers hold mu.
func (b *base) stateLocked() State {
	s := State{
		Resource:      b.resource,
		Error:         b.snap.Err,
		MutationError: b.mutationErr,
		IsLoading:     b.hasKey && (b.snap.IsLoading || b.snap.Status == recordsync.StatusIdle),
		IsFetching:    b.snap.IsFetching,
		IsStale:       b.snap.IsStale,
		Saving:        b.saving > 0,
		Version:       b.version,
	}
	if b.snap.Data != nil {
		s.Record = b.snap.Data.Record
		s.Records = b.snap.Data.Records
		s.Total = b.snap.Data.Total
	}
	if b.derive != nil {
		b.derive(&s)
	}
	return s
}

// State returns the current view state.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Subscribe registers fn for state changes and delivers the current state
// before returning.
func (b *base) Subscribe(fn func(State)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	l := &listener{id: b.nextID, fn: fn}
	b.listeners[l.id] = l
	s := b.stateLocked()
	b.mu.Unlock()

	l.deliver(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.closed.Store(true)
			b.mu.Lock()
			delete(b.listeners, l.id)
			b.mu.Unlock()
		})
	}
}

// emitLocked bumps the version and returns the state with the listeners to
// notify once mu is released.
func (b *base) emitLocked() (State, []*listener) {
	b.version++
	s := b.stateLocked()
	ls := make([]*listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].id < ls[j].id })
	return s, ls
}

func notify(s State, ls []*listener) {
	for _, l := range ls {
		l.deliver(s)
	}
}

// update runs fn under mu and notifies listeners.
func (b *base) update(fn func()) {
	b.mu.Lock()
	fn()
	s, ls := b.emitLocked()
	b.mu.Unlock()
	notify(s, ls)
}

// watch switches the subscription to key. Snapshots of the previous key that
// are still in flight are ignored.
func (b *base) watch(key recordsync.QueryKey) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	old := b.unsubscribe
	b.unsubscribe = nil
	b.gen++
	gen := b.gen
	b.key = key
	b.hasKey = true
	b.snap = recordsync.Snapshot{Key: key, Status: recordsync.StatusIdle}
	b.mu.Unlock()

	if old != nil {
		old()
	}

	unsubscribe, err := b.client.Subscribe(key, func(snap recordsync.Snapshot) {
		b.onSnapshot(gen, snap)
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.gen != gen || b.closed {
		b.mu.Unlock()
		unsubscribe()
		return nil
	}
	b.unsubscribe = unsubscribe
	b.mu.Unlock()
	return nil
}

func (b *base) onSnapshot(gen uint64, snap recordsync.Snapshot) {
	b.mu.Lock()
	if gen != b.gen || b.closed || (b.snap.Version != 0 && snap.Version <= b.snap.Version) {
		b.mu.Unlock()
		return
	}
	b.snap = snap
	s, ls := b.emitLocked()
	b.mu.Unlock()
	notify(s, ls)
}

// Refetch forces a provider read of the displayed query.
func (b *base) Refetch(ctx context.Context) error {
	b.mu.Lock()
	key, ok := b.key, b.hasKey
	b.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := b.client.Cache().Refetch(ctx, key)
	return err
}

// track keeps Saving set while a pessimistic mutation is unresolved and
// records the outcome of every mutation this controller issues.
func (b *base) track(m *recordsync.Mutation) {
	pessimistic := m.Mode() == recordsync.Pessimistic
	b.update(func() {
		b.mutationErr = nil
		if pessimistic {
			b.saving++
		}
	})
	go func() {
		_, err := m.Wait(context.Background())
		if errors.Is(err, recordsync.ErrMutationCancelled) {
			err = nil
		}
		if err != nil {
			b.logger.Debug("mutation failed", zap.String("mutation", m.ID()), zap.Error(err))
		}
		b.update(func() {
			if pessimistic {
				b.saving--
			}
			if err != nil {
				b.mutationErr = err
			}
		})
	}()
}

// Close releases the subscription. Mutations already issued continue.
func (b *base) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	for _, l := range b.listeners {
		l.closed.Store(true)
	}
	b.listeners = map[uint64]*listener{}
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (b *base) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
