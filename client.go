// Package recordsync is the data synchronization layer of an admin UI. Views
// subscribe to query results held by a shared QueryCache, writes go through a
// MutationQueue in pessimistic, optimistic or undoable mode, and commits
// invalidate cached queries through an InvalidationBus.
package recordsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Client wires a data provider to a cache, a mutation queue and the bus
// between them. It is the composition root used by controllers.
type Client struct {
	provider DataProvider
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics

	bus   *InvalidationBus
	cache *QueryCache
	queue *MutationQueue
}

// New creates a Client for provider.
func New(provider DataProvider, cfg Config) (*Client, error) {
	if provider == nil {
		return nil, ErrProviderNotSet
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withFallbacks()
	m := newMetrics(cfg.Meter)
	bus := NewInvalidationBus()
	cache := newQueryCache(provider, bus, cfg, m)
	queue := newMutationQueue(provider, cache, bus, cfg, m)

	cfg.Logger.Info("recordsync client initialized",
		zap.String("mutation_mode", string(cfg.MutationMode)),
		zap.Duration("undo_delay", cfg.UndoDelay),
		zap.Duration("stale_time", cfg.StaleTime),
		zap.Bool("batching", queue.batcher != nil))

	return &Client{
		provider: provider,
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  m,
		bus:      bus,
		cache:    cache,
		queue:    queue,
	}, nil
}

// Provider returns the data provider.
func (c *Client) Provider() DataProvider { return c.provider }

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Logger returns the client logger.
func (c *Client) Logger() *zap.Logger { return c.logger }

// Cache returns the query cache.
func (c *Client) Cache() *QueryCache { return c.cache }

// Queue returns the mutation queue.
func (c *Client) Queue() *MutationQueue { return c.queue }

// Bus returns the invalidation bus.
func (c *Client) Bus() *InvalidationBus { return c.bus }

// Stats returns the cache and mutation counters.
func (c *Client) Stats() CacheStats { return c.metrics.snapshot() }

// Subscribe observes the cache entry for key.
func (c *Client) Subscribe(key QueryKey, fn func(Snapshot)) (func(), error) {
	return c.cache.Subscribe(key, fn)
}

// Invalidate marks every query of resource stale.
func (c *Client) Invalidate(resource string) {
	c.bus.Publish(InvalidationEvent{Resource: resource})
}

// GetOne returns the visible version of a record, fetching it when needed.
func (c *Client) GetOne(ctx context.Context, resource string, id ID) (Record, error) {
	data, err := c.cache.Fetch(ctx, OneKey(resource, id))
	if err != nil {
		return nil, err
	}
	if data == nil || data.Record == nil {
		return nil, fmt.Errorf("getOne %s/%s: %w", resource, id, ErrNotFound)
	}
	return data.Record, nil
}

// GetList returns one page of a resource.
func (c *Client) GetList(ctx context.Context, resource string, params ListParams) (ListResult, error) {
	data, err := c.cache.Fetch(ctx, ListKey(resource, params))
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Data: data.Records, Total: data.Total}, nil
}

// GetMany returns the records with the given ids that exist, in id order.
func (c *Client) GetMany(ctx context.Context, resource string, ids []ID) ([]Record, error) {
	data, err := c.cache.Fetch(ctx, ManyKey(resource, ids))
	if err != nil {
		return nil, err
	}
	return data.Records, nil
}

// --- Mutations ---

// MutateOption adjusts a mutation request built by the Client helpers.
type MutateOption func(*MutationRequest)

// WithMode overrides the configured mutation mode.
func WithMode(mode MutationMode) MutateOption {
	return func(r *MutationRequest) { r.Mode = mode }
}

// WithUndoDelay overrides the configured undo window.
func WithUndoDelay(d time.Duration) MutateOption {
	return func(r *MutationRequest) { r.UndoDelay = &d }
}

// WithPreviousData sets the previous version sent to the provider.
func WithPreviousData(previous Record) MutateOption {
	return func(r *MutationRequest) { r.PreviousData = previous }
}

// WithProjection replaces the default optimistic projection.
func WithProjection(fn ProjectFunc) MutateOption {
	return func(r *MutationRequest) { r.Project = fn }
}

// WithMeta attaches metadata visible to listeners.
func WithMeta(key string, value interface{}) MutateOption {
	return func(r *MutationRequest) {
		if r.Meta == nil {
			r.Meta = make(map[string]interface{})
		}
		r.Meta[key] = value
	}
}

// OnSuccess registers a callback run after a commit.
func OnSuccess(fn func(Result)) MutateOption {
	return func(r *MutationRequest) { r.OnSuccess = fn }
}

// OnError registers a callback run after a failure.
func OnError(fn func(error)) MutateOption {
	return func(r *MutationRequest) { r.OnError = fn }
}

// OnSettled registers a callback run after any resolution.
func OnSettled(fn func(Result, error)) MutateOption {
	return func(r *MutationRequest) { r.OnSettled = fn }
}

// Mutate submits a raw request.
func (c *Client) Mutate(ctx context.Context, req MutationRequest) (*Mutation, error) {
	return c.queue.Mutate(ctx, req)
}

func (c *Client) submit(ctx context.Context, req MutationRequest, opts []MutateOption) (*Mutation, error) {
	for _, opt := range opts {
		opt(&req)
	}
	return c.queue.Mutate(ctx, req)
}

// Create adds a record.
func (c *Client) Create(ctx context.Context, resource string, data Record, opts ...MutateOption) (*Mutation, error) {
	return c.submit(ctx, MutationRequest{Resource: resource, Kind: MutationCreate, Data: data}, opts)
}

// Update patches a record.
func (c *Client) Update(ctx context.Context, resource string, id ID, data Record, opts ...MutateOption) (*Mutation, error) {
	return c.submit(ctx, MutationRequest{Resource: resource, Kind: MutationUpdate, ID: id, Data: data}, opts)
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, resource string, id ID, opts ...MutateOption) (*Mutation, error) {
	return c.submit(ctx, MutationRequest{Resource: resource, Kind: MutationDelete, ID: id}, opts)
}

// UpdateMany applies the same patch to several records.
func (c *Client) UpdateMany(ctx context.Context, resource string, ids []ID, data Record, opts ...MutateOption) (*Mutation, error) {
	return c.submit(ctx, MutationRequest{Resource: resource, Kind: MutationUpdateMany, IDs: ids, Data: data}, opts)
}

// DeleteMany removes several records.
func (c *Client) DeleteMany(ctx context.Context, resource string, ids []ID, opts ...MutateOption) (*Mutation, error) {
	return c.submit(ctx, MutationRequest{Resource: resource, Kind: MutationDeleteMany, IDs: ids}, opts)
}

// RegisterListener adds a mutation lifecycle listener.
func (c *Client) RegisterListener(eventType EventType, listener EventListener) {
	c.queue.RegisterListener(eventType, listener)
}

// Close commits pending undoable writes, waits for in-flight mutations and
// releases the cache.
func (c *Client) Close(ctx context.Context) error {
	err := c.queue.Close(ctx)
	c.cache.Close()
	c.logger.Info("recordsync client closed")
	return err
}
