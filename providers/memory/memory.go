// Package memory is an in-process DataProvider holding resources in maps.
// It filters, sorts and paginates like a simple REST backend and offers call
// counting, failure injection and gating for tests and demos.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/burugo/recordsync"
	"github.com/burugo/recordsync/internal/listing"
)

// Operation names accepted by Calls, FailNext and Block.
const (
	OpGetOne     = "getOne"
	OpGetList    = "getList"
	OpGetMany    = "getMany"
	OpCreate     = "create"
	OpUpdate     = "update"
	OpUpdateMany = "updateMany"
	OpDelete     = "delete"
	OpDeleteMany = "deleteMany"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLatency delays every call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithoutBatching stops the provider from advertising UpdateMany and
// DeleteMany.
func WithoutBatching() Option {
	return func(p *Provider) { p.batch = false }
}

type table struct {
	rows  map[recordsync.ID]recordsync.Record
	order []recordsync.ID
	seq   int
}

// Provider implements recordsync.DataProvider in memory.
type Provider struct {
	mu       sync.Mutex
	tables   map[string]*table
	latency  time.Duration
	batch    bool
	calls    map[string]int
	failures map[string][]error
	gates    map[string]chan struct{}
}

var (
	_ recordsync.DataProvider       = (*Provider)(nil)
	_ recordsync.CapabilityProvider = (*Provider)(nil)
)

// New creates a provider seeded with data, keyed by resource.
func New(seed map[string][]recordsync.Record, opts ...Option) *Provider {
	p := &Provider{
		tables:   make(map[string]*table),
		batch:    true,
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		gates:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	for resource, records := range seed {
		p.Seed(resource, records...)
	}
	return p
}

// Capabilities implements recordsync.CapabilityProvider.
func (p *Provider) Capabilities() recordsync.Capabilities {
	return recordsync.Capabilities{UpdateMany: p.batch, DeleteMany: p.batch}
}

func (p *Provider) table(resource string) *table {
	t, ok := p.tables[resource]
	if !ok {
		t = &table{rows: make(map[recordsync.ID]recordsync.Record)}
		p.tables[resource] = t
	}
	return t
}

func (t *table) put(rec recordsync.Record) {
	id := rec.ID()
	if _, exists := t.rows[id]; !exists {
		t.order = append(t.order, id)
	}
	t.rows[id] = rec
	if n, err := strconv.Atoi(string(id)); err == nil && n > t.seq {
		t.seq = n
	}
}

func (t *table) remove(id recordsync.ID) {
	delete(t.rows, id)
	for i, other := range t.order {
		if other == id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			return
		}
	}
}

// Seed stores records directly, bypassing call accounting.
func (p *Provider) Seed(resource string, records ...recordsync.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(resource)
	for _, rec := range records {
		t.put(rec.Clone())
	}
}

// Set replaces a stored record, as another client of the backend would.
func (p *Provider) Set(resource string, rec recordsync.Record) {
	p.Seed(resource, rec)
}

// Records returns every stored record of resource in insertion order.
func (p *Provider) Records(resource string) []recordsync.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(resource)
	out := make([]recordsync.Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.rows[id].Clone())
	}
	return out
}

// Calls returns how many times op was called.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// FailNext makes the next call of op return err.
func (p *Provider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// Block holds every call of op until release is called.
func (p *Provider) Block(op string) (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gates[op] = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.gates[op] == gate {
				delete(p.gates, op)
			}
			p.mu.Unlock()
			close(gate)
		})
	}
}

// enter records the call, waits for gates and latency and returns an
// injected failure if one is queued.
func (p *Provider) enter(ctx context.Context, op string) error {
	p.mu.Lock()
	p.calls[op]++
	var injected error
	if queued := p.failures[op]; len(queued) > 0 {
		injected = queued[0]
		p.failures[op] = queued[1:]
	}
	gate := p.gates[op]
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return injected
}

func notFound(resource string, id recordsync.ID) error {
	return fmt.Errorf("%s/%s: %w", resource, id, recordsync.ErrNotFound)
}

// GetOne implements recordsync.DataProvider.
func (p *Provider) GetOne(ctx context.Context, resource string, id recordsync.ID) (recordsync.Record, error) {
	if err := p.enter(ctx, OpGetOne); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.table(resource).rows[id]
	if !ok {
		return nil, notFound(resource, id)
	}
	return rec.Clone(), nil
}

// GetList implements recordsync.DataProvider.
func (p *Provider) GetList(ctx context.Context, resource string, params recordsync.ListParams) (recordsync.ListResult, error) {
	if err := p.enter(ctx, OpGetList); err != nil {
		return recordsync.ListResult{}, err
	}
	all := p.Records(resource)
	return listing.Apply(all, params), nil
}

// GetMany implements recordsync.DataProvider. Missing ids are skipped.
func (p *Provider) GetMany(ctx context.Context, resource string, ids []recordsync.ID) ([]recordsync.Record, error) {
	if err := p.enter(ctx, OpGetMany); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(resource)
	out := make([]recordsync.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := t.rows[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Create implements recordsync.DataProvider. Records without an id get the
// next integer id of the resource.
func (p *Provider) Create(ctx context.Context, resource string, data recordsync.Record) (recordsync.Record, error) {
	if err := p.enter(ctx, OpCreate); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(resource)
	rec := data.Clone()
	if rec == nil {
		rec = recordsync.Record{}
	}
	if rec.ID() == "" {
		rec[recordsync.IDField] = t.seq + 1
	}
	if _, exists := t.rows[rec.ID()]; exists {
		return nil, &recordsync.ValidationError{
			Message: "duplicate id",
			Fields:  map[string]string{recordsync.IDField: "already exists"},
		}
	}
	t.put(rec)
	return rec.Clone(), nil
}

func (p *Provider) update(resource string, id recordsync.ID, data recordsync.Record) (recordsync.Record, error) {
	t := p.table(resource)
	prev, ok := t.rows[id]
	if !ok {
		return nil, notFound(resource, id)
	}
	next := prev.Merge(data)
	next[recordsync.IDField] = prev[recordsync.IDField]
	t.rows[id] = next
	return next.Clone(), nil
}

// Update implements recordsync.DataProvider.
func (p *Provider) Update(ctx context.Context, resource string, id recordsync.ID, data, _ recordsync.Record) (recordsync.Record, error) {
	if err := p.enter(ctx, OpUpdate); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.update(resource, id, data)
}

// UpdateMany implements recordsync.DataProvider. Missing ids are reported
// per id in a *recordsync.BatchError.
func (p *Provider) UpdateMany(ctx context.Context, resource string, ids []recordsync.ID, data recordsync.Record) ([]recordsync.ID, error) {
	if err := p.enter(ctx, OpUpdateMany); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.each(OpUpdateMany, resource, ids, func(id recordsync.ID) error {
		_, err := p.update(resource, id, data)
		return err
	})
}

// Delete implements recordsync.DataProvider.
func (p *Provider) Delete(ctx context.Context, resource string, id recordsync.ID, _ recordsync.Record) (recordsync.Record, error) {
	if err := p.enter(ctx, OpDelete); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(resource)
	rec, ok := t.rows[id]
	if !ok {
		return nil, notFound(resource, id)
	}
	t.remove(id)
	return rec.Clone(), nil
}

// DeleteMany implements recordsync.DataProvider.
func (p *Provider) DeleteMany(ctx context.Context, resource string, ids []recordsync.ID) ([]recordsync.ID, error) {
	if err := p.enter(ctx, OpDeleteMany); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(resource)
	return p.each(OpDeleteMany, resource, ids, func(id recordsync.ID) error {
		if _, ok := t.rows[id]; !ok {
			return notFound(resource, id)
		}
		t.remove(id)
		return nil
	})
}

func (p *Provider) each(op, resource string, ids []recordsync.ID, fn func(recordsync.ID) error) ([]recordsync.ID, error) {
	var done []recordsync.ID
	failed := make(map[recordsync.ID]error)
	for _, id := range ids {
		if err := fn(id); err != nil {
			failed[id] = err
			continue
		}
		done = append(done, id)
	}
	if len(failed) > 0 {
		return done, &recordsync.BatchError{Op: op, Resource: resource, Succeeded: done, Items: failed}
	}
	return done, nil
}
