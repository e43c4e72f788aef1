package recordsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MutationQueue owns the lifecycle of writes: projection, the undo window,
// per-id ordering, batching, commit and rollback.
type MutationQueue struct {
	provider DataProvider
	cache    *QueryCache
	bus      *InvalidationBus
	cfg      Config
	caps     Capabilities
	logger   *zap.Logger
	metrics  *metrics
	hooks    *listenerRegistry
	batcher  *batcher

	mu      sync.Mutex
	pending []*Mutation
	closed  bool
}

// NewMutationQueue creates a queue writing through provider. Projections go to
// cache and commits are announced on bus.
func NewMutationQueue(provider DataProvider, cache *QueryCache, bus *InvalidationBus, cfg Config) *MutationQueue {
	cfg = cfg.withFallbacks()
	return newMutationQueue(provider, cache, bus, cfg, newMetrics(cfg.Meter))
}

func newMutationQueue(provider DataProvider, cache *QueryCache, bus *InvalidationBus, cfg Config, m *metrics) *MutationQueue {
	logger := cfg.Logger.Named("mutations")
	q := &MutationQueue{
		provider: provider,
		cache:    cache,
		bus:      bus,
		cfg:      cfg,
		caps:     capabilitiesOf(provider),
		logger:   logger,
		metrics:  m,
		hooks:    newListenerRegistry(logger),
	}
	if !cfg.DisableBatching && cfg.BatchWindow > 0 && (q.caps.UpdateMany || q.caps.DeleteMany) {
		q.batcher = newBatcher(q, cfg.BatchWindow)
	}
	return q
}

// RegisterListener adds a listener for a mutation lifecycle event.
func (q *MutationQueue) RegisterListener(eventType EventType, listener EventListener) {
	q.hooks.register(eventType, listener)
}

// Mutate submits a write. Optimistic and undoable writes are visible in the
// cache when Mutate returns; the provider call happens in the background.
// The returned handle resolves with the outcome.
func (q *MutationQueue) Mutate(ctx context.Context, req MutationRequest) (*Mutation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = q.cfg.MutationMode
	}
	delay := q.cfg.UndoDelay
	if req.UndoDelay != nil {
		delay = *req.UndoDelay
	}

	m := &Mutation{
		id:    uuid.NewString(),
		queue: q,
		req:   req,
		ids:   req.targetIDs(),
		mode:  mode,
		ctx:   context.WithoutCancel(ctx),
		state: StateCreated,
		done:  make(chan struct{}),
	}
	if err := q.hooks.trigger(ctx, EventBeforeMutate, m, nil); err != nil {
		return nil, err
	}

	project := mode != Pessimistic && req.Kind != MutationCreate

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if len(m.ids) > 0 {
		set := idSet(m.ids)
		for _, p := range q.pending {
			if p.overlaps(req.Resource, set) && !p.State().Resolved() {
				m.deps = append(m.deps, p)
			}
		}
	}

	// The previous snapshot is read under the same lock that applies the
	// projection, so it never contains this mutation's own change.
	var out []delivery
	q.cache.mu.Lock()
	m.previous = q.cache.currentRecords(req.Resource, m.ids)
	if req.PreviousData != nil && len(m.ids) == 1 {
		m.previous[m.ids[0]] = req.PreviousData
	}
	if project {
		m.projection, out = q.cache.applyProjectionLocked(req.Resource, m.ids, req.projectFunc())
		m.state = StateProjected
	}
	q.cache.mu.Unlock()

	q.pending = append(q.pending, m)
	if mode == Undoable {
		m.state = StateAwaitingCommit
		m.deadline = time.Now().Add(delay)
		m.timer = startUndoTimer(delay, func() { q.run(m) })
	}
	q.mu.Unlock()

	q.cache.deliver(out)

	q.logger.Debug("mutation queued",
		zap.String("mutation", m.id),
		zap.String("resource", req.Resource),
		zap.String("kind", string(req.Kind)),
		zap.String("mode", string(mode)),
		zap.Int("waiting_on", len(m.deps)))

	if project {
		_ = q.hooks.trigger(m.ctx, EventAfterProject, m, nil)
	}
	if mode != Undoable {
		go q.run(m)
	}
	return m, nil
}

// run waits for earlier writes on the same ids, then issues the provider
// call directly or through the batcher.
func (q *MutationQueue) run(m *Mutation) {
	for _, dep := range m.deps {
		<-dep.done
	}
	if q.batcher != nil && q.batchable(m) {
		q.batcher.add(m)
		return
	}
	q.execute(m)
}

func (q *MutationQueue) batchable(m *Mutation) bool {
	switch batchOp(m.req.Kind) {
	case MutationUpdateMany:
		return q.caps.UpdateMany
	case MutationDeleteMany:
		return q.caps.DeleteMany
	}
	return false
}

func (q *MutationQueue) execute(m *Mutation) {
	m.issued.Store(true)
	res, err := q.write(m.ctx, m)
	q.finish(m, res, err)
}

func (q *MutationQueue) write(ctx context.Context, m *Mutation) (Result, error) {
	r := m.req
	op := string(r.Kind)
	switch r.Kind {
	case MutationCreate:
		rec, err := q.provider.Create(ctx, r.Resource, r.Data.Clone())
		if err != nil {
			return Result{}, classify(op, r.Resource, err)
		}
		return Result{Record: rec, IDs: []ID{rec.ID()}}, nil
	case MutationUpdate:
		rec, err := q.provider.Update(ctx, r.Resource, r.ID, r.Data.Clone(), m.previous[r.ID])
		if err != nil {
			return Result{}, classify(op, r.Resource, err)
		}
		return Result{Record: rec, IDs: m.IDs()}, nil
	case MutationDelete:
		rec, err := q.provider.Delete(ctx, r.Resource, r.ID, m.previous[r.ID])
		if err != nil {
			return Result{}, classify(op, r.Resource, err)
		}
		return Result{Record: rec, IDs: m.IDs()}, nil
	case MutationUpdateMany:
		if q.caps.UpdateMany {
			ids, err := q.provider.UpdateMany(ctx, r.Resource, m.ids, r.Data.Clone())
			return manyResult(m, ids), classify(op, r.Resource, err)
		}
		return eachID(m, func(id ID) error {
			_, err := q.provider.Update(ctx, r.Resource, id, r.Data.Clone(), m.previous[id])
			return err
		})
	default:
		if q.caps.DeleteMany {
			ids, err := q.provider.DeleteMany(ctx, r.Resource, m.ids)
			return manyResult(m, ids), classify(op, r.Resource, err)
		}
		return eachID(m, func(id ID) error {
			_, err := q.provider.Delete(ctx, r.Resource, id, m.previous[id])
			return err
		})
	}
}

func manyResult(m *Mutation, ids []ID) Result {
	if ids == nil {
		ids = m.IDs()
	}
	return Result{IDs: ids}
}

// eachID issues one call per id, in order, and reports per-id outcomes.
func eachID(m *Mutation, call func(ID) error) (Result, error) {
	op := string(m.req.Kind)
	var succeeded []ID
	items := make(map[ID]error)
	for _, id := range m.ids {
		if err := call(id); err != nil {
			items[id] = classify(op, m.req.Resource, err)
			continue
		}
		succeeded = append(succeeded, id)
	}
	if len(items) == 0 {
		return Result{IDs: succeeded}, nil
	}
	return Result{IDs: succeeded}, &BatchError{Op: op, Resource: m.req.Resource, Succeeded: succeeded, Items: items}
}

// executeBatch writes the members of a batch with one provider call and
// resolves each member from its own ids.
func (q *MutationQueue) executeBatch(resource string, op MutationKind, data Record, members []*Mutation) {
	var ids []ID
	for _, m := range members {
		m.issued.Store(true)
		ids = append(ids, m.ids...)
	}
	ctx := members[0].ctx

	var err error
	if op == MutationUpdateMany {
		_, err = q.provider.UpdateMany(ctx, resource, sortedIDs(ids), data.Clone())
	} else {
		_, err = q.provider.DeleteMany(ctx, resource, sortedIDs(ids))
	}
	err = classify(string(op), resource, err)
	q.logger.Debug("batched write",
		zap.String("resource", resource),
		zap.String("op", string(op)),
		zap.Int("mutations", len(members)),
		zap.Int("ids", len(ids)),
		zap.Error(err))

	var batchErr *BatchError
	for _, m := range members {
		switch {
		case err == nil:
			q.finish(m, Result{IDs: m.IDs()}, nil)
		case errors.As(err, &batchErr):
			res, memberErr := splitBatchError(m, batchErr)
			q.finish(m, res, memberErr)
		default:
			q.finish(m, Result{}, err)
		}
	}
}

func splitBatchError(m *Mutation, be *BatchError) (Result, error) {
	var succeeded []ID
	items := make(map[ID]error)
	for _, id := range m.ids {
		if err, failed := be.Items[id]; failed {
			items[id] = err
			continue
		}
		succeeded = append(succeeded, id)
	}
	switch {
	case len(items) == 0:
		return Result{IDs: succeeded}, nil
	case !m.req.Kind.many():
		return Result{}, items[m.ids[0]]
	}
	return Result{IDs: succeeded}, &BatchError{Op: string(m.req.Kind), Resource: m.req.Resource, Succeeded: succeeded, Items: items}
}

// finish applies the outcome of a provider call. On success the projection
// is settled and the resource invalidated; on failure the projection is
// reverted first, except for the ids a partial batch did write.
func (q *MutationQueue) finish(m *Mutation, res Result, err error) {
	r := m.req
	if err == nil {
		if m.projection != "" {
			q.cache.settleProjection(m.projection)
		}
		if res.Record != nil && (r.Kind == MutationCreate || r.Kind == MutationUpdate) {
			if id := res.Record.ID(); id != "" {
				_ = q.cache.SetData(OneKey(r.Resource, id), &Data{Record: res.Record.Clone(), Total: 1})
			}
		}
		q.publish(r.Resource)
		q.settle(m, StateCommitted, res, nil)
		return
	}

	var batchErr *BatchError
	partial := errors.As(err, &batchErr) && len(batchErr.Succeeded) > 0
	if m.projection != "" {
		if partial {
			q.cache.settlePartial(m.projection, batchErr.Succeeded)
		} else {
			q.cache.RevertProjection(m.projection)
		}
	}
	if partial {
		q.publish(r.Resource)
	}
	q.settle(m, StateFailed, res, err)
}

func (q *MutationQueue) publish(resource string) {
	if q.bus != nil {
		q.bus.Publish(InvalidationEvent{Resource: resource})
		return
	}
	q.cache.Invalidate(InvalidationEvent{Resource: resource})
}

// settle runs listeners and callbacks, then resolves the handle.
func (q *MutationQueue) settle(m *Mutation, state MutationState, res Result, err error) {
	q.remove(m)
	r := m.req
	fields := []zap.Field{
		zap.String("mutation", m.id),
		zap.String("resource", r.Resource),
		zap.String("kind", string(r.Kind)),
		zap.String("mode", string(m.mode)),
	}

	switch state {
	case StateCommitted:
		q.metrics.incr("mutations.committed", r.Resource)
		q.logger.Debug("mutation committed", fields...)
		_ = q.hooks.trigger(m.ctx, EventAfterCommit, m, nil)
		if r.OnSuccess != nil {
			r.OnSuccess(res)
		}
	case StateRolledBack:
		q.metrics.incr("mutations.rolled_back", r.Resource)
		q.logger.Debug("mutation rolled back", fields...)
		_ = q.hooks.trigger(m.ctx, EventAfterRollback, m, nil)
	case StateFailed:
		q.metrics.incr("mutations.failed", r.Resource)
		q.logger.Warn("mutation failed", append(fields, zap.Error(err))...)
		_ = q.hooks.trigger(m.ctx, EventAfterFail, m, err)
		if r.OnError != nil {
			r.OnError(err)
		}
	}
	if r.OnSettled != nil {
		r.OnSettled(res, err)
	}
	m.resolve(state, res, err)
}

func (q *MutationQueue) remove(m *Mutation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == m {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *MutationQueue) cancel(m *Mutation) error {
	if m.State() == StateRolledBack {
		return nil
	}
	if m.timer == nil || !m.timer.cancel() {
		return ErrUndoWindowClosed
	}
	if m.projection != "" {
		q.cache.RevertProjection(m.projection)
	}
	q.settle(m, StateRolledBack, Result{}, ErrMutationCancelled)
	return nil
}

// Pending returns the unresolved mutations in submission order.
func (q *MutationQueue) Pending() []*Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Mutation(nil), q.pending...)
}

// FlushUndoable closes every open undo window now and commits the writes.
// It returns the number of mutations flushed.
func (q *MutationQueue) FlushUndoable() int {
	q.mu.Lock()
	var ready []*Mutation
	for _, m := range q.pending {
		if m.timer != nil && m.timer.fireNow() {
			ready = append(ready, m)
		}
	}
	q.mu.Unlock()

	for _, m := range ready {
		go q.run(m)
	}
	return len(ready)
}

// Close rejects new mutations, commits pending undoable ones and waits for
// every unresolved mutation or for ctx.
func (q *MutationQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	pending := append([]*Mutation(nil), q.pending...)
	q.mu.Unlock()

	q.FlushUndoable()
	for _, m := range pending {
		select {
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
