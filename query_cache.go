package recordsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Status is the fetch status of a cache entry.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// maxStaleRetries bounds how often an answer fetched before an invalidation
// is discarded and re-requested.
const maxStaleRetries = 3

// Data is the payload of a cache entry: a single record for get-one keys, an
// ordered page plus total for get-list and get-many keys. Data values are
// shared between subscribers and must not be modified.
type Data struct {
	Record  Record
	Records []Record
	Total   int
}

// Snapshot is the state of a cache entry as seen by a subscriber.
type Snapshot struct {
	Key        QueryKey
	Data       *Data
	Err        error
	Status     Status
	IsLoading  bool // no data yet and a fetch is running
	IsFetching bool
	IsStale    bool
	FetchedAt  time.Time
	Version    uint64
}

// Record returns the get-one record, if any.
func (s Snapshot) Record() Record {
	if s.Data == nil {
		return nil
	}
	return s.Data.Record
}

// Records returns the rows of a get-list or get-many entry.
func (s Snapshot) Records() []Record {
	if s.Data == nil {
		return nil
	}
	return s.Data.Records
}

type entry struct {
	key       QueryKey
	hash      string
	server    *Data // last real server answer
	view      *Data // server overlaid with applicable projections
	serverSeq uint64
	status    Status
	err       error
	fetchedAt time.Time
	stale     bool
	fetching  bool
	gen       uint64 // bumped by every invalidation
	round     uint64 // bumped by every completed fetch; scopes singleflight keys
	version   uint64
	subs      map[uint64]*subscription
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		Key:        e.key,
		Data:       e.view,
		Err:        e.err,
		Status:     e.status,
		IsLoading:  e.fetching && e.server == nil,
		IsFetching: e.fetching,
		IsStale:    e.stale,
		FetchedAt:  e.fetchedAt,
		Version:    e.version,
	}
}

// subscription delivers snapshots in version order and drops any snapshot
// older than the last one delivered. fn may run on different goroutines.
type subscription struct {
	id     uint64
	fn     func(Snapshot)
	last   atomic.Uint64
	closed atomic.Bool
}

func (s *subscription) deliver(snap Snapshot) {
	for {
		if s.closed.Load() {
			return
		}
		last := s.last.Load()
		if snap.Version <= last {
			return
		}
		if s.last.CompareAndSwap(last, snap.Version) {
			break
		}
	}
	s.fn(snap)
}

type delivery struct {
	subs []*subscription
	snap Snapshot
}

// QueryCache is the keyed store of fetch results. Every state change happens
// under mu; provider calls and subscriber callbacks run outside of it.
type QueryCache struct {
	provider DataProvider
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics

	mu          sync.Mutex
	active      map[string]*entry
	inactive    *expirable.LRU[string, *entry]
	index       *CacheIndex
	projections []*projection
	seq         uint64
	nextSubID   uint64
	closed      bool

	flight  singleflight.Group
	stopBus func()
}

// NewQueryCache creates a cache reading through provider. When bus is not
// nil the cache subscribes to it and handles every invalidation.
func NewQueryCache(provider DataProvider, bus *InvalidationBus, cfg Config) *QueryCache {
	cfg = cfg.withFallbacks()
	return newQueryCache(provider, bus, cfg, newMetrics(cfg.Meter))
}

func newQueryCache(provider DataProvider, bus *InvalidationBus, cfg Config, m *metrics) *QueryCache {
	c := &QueryCache{
		provider: provider,
		cfg:      cfg,
		logger:   cfg.Logger.Named("cache"),
		metrics:  m,
		active:   make(map[string]*entry),
		index:    NewCacheIndex(),
	}
	c.inactive = expirable.NewLRU[string, *entry](cfg.MaxInactive, func(hash string, _ *entry) {
		c.index.Deregister(hash)
	}, cfg.GCTime)
	if bus != nil {
		c.stopBus = bus.Subscribe(nil, c.Invalidate)
	}
	return c
}

func prepareKey(key QueryKey) (QueryKey, string, error) {
	if err := key.validate(); err != nil {
		return key, "", err
	}
	switch key.Kind {
	case KindGetList:
		key.List = key.List.normalized()
	case KindGetMany:
		key.IDs = sortedIDs(key.IDs)
	}
	return key, key.Hash(), nil
}

// --- entry bookkeeping (callers hold mu) ---

func (c *QueryCache) newEntry(key QueryKey, hash string) *entry {
	return &entry{
		key:     key,
		hash:    hash,
		status:  StatusIdle,
		version: 1,
		subs:    make(map[uint64]*subscription),
	}
}

func (c *QueryCache) lookup(hash string) *entry {
	if e, ok := c.active[hash]; ok {
		return e
	}
	if e, ok := c.inactive.Peek(hash); ok {
		return e
	}
	return nil
}

// acquire returns the active entry for hash, reviving an inactive one or
// creating it.
func (c *QueryCache) acquire(key QueryKey, hash string) *entry {
	if e, ok := c.active[hash]; ok {
		return e
	}
	e, ok := c.inactive.Peek(hash)
	if ok {
		c.inactive.Remove(hash)
	} else {
		e = c.newEntry(key, hash)
	}
	c.active[hash] = e
	c.index.Register(key.Resource, hash)
	return e
}

// park stores an entry nobody subscribes to.
func (c *QueryCache) park(e *entry) {
	c.inactive.Add(e.hash, e)
	c.index.Register(e.key.Resource, e.hash)
}

func (c *QueryCache) isStale(e *entry) bool {
	return e.stale || time.Since(e.fetchedAt) >= c.cfg.StaleTime
}

// needsFetch decides whether a new subscription triggers a read. Errors are
// only retried through Refetch or an invalidation.
func (c *QueryCache) needsFetch(e *entry) bool {
	if e.fetching {
		return false
	}
	switch e.status {
	case StatusIdle:
		return true
	case StatusSuccess:
		return c.isStale(e)
	case StatusError:
		return e.stale
	}
	return false
}

func (c *QueryCache) collect(e *entry, out []delivery) []delivery {
	if len(e.subs) == 0 {
		return out
	}
	subs := make([]*subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return append(out, delivery{subs: subs, snap: e.snapshot()})
}

func (c *QueryCache) deliver(out []delivery) {
	for _, d := range out {
		for _, sub := range d.subs {
			sub.deliver(d.snap)
		}
	}
}

// startFetch joins or starts the read for e. The singleflight key includes
// the fetch round so that a read requested after a completed one never
// attaches to it.
func (c *QueryCache) startFetch(e *entry) <-chan singleflight.Result {
	if !e.fetching {
		e.fetching = true
		if e.server == nil && e.status != StatusError {
			e.status = StatusLoading
		}
		e.version++
	}
	key, hash := e.key, e.hash
	flightKey := fmt.Sprintf("%s#%d", hash, e.round)
	return c.flight.DoChan(flightKey, func() (interface{}, error) {
		return c.load(key, hash)
	})
}

// load performs the provider read for a key and stores the answer. An answer
// that raced with an invalidation is discarded and requested again.
func (c *QueryCache) load(key QueryKey, hash string) (*Data, error) {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		e := c.lookup(hash)
		if e == nil {
			e = c.newEntry(key, hash)
			c.park(e)
		}
		var out []delivery
		if !e.fetching {
			e.fetching = true
			e.version++
			out = c.collect(e, out)
		}
		gen := e.gen
		c.seq++
		startSeq := c.seq
		c.mu.Unlock()
		c.deliver(out)

		c.metrics.incr("cache.fetches", key.Resource)
		data, err := c.query(key)

		c.mu.Lock()
		e = c.lookup(hash)
		if e == nil {
			c.mu.Unlock()
			return data, err
		}
		if e.gen != gen && attempt < maxStaleRetries {
			c.mu.Unlock()
			c.logger.Debug("discarding answer fetched before invalidation", zap.String("key", hash))
			continue
		}
		e.fetching = false
		e.round++
		if err != nil {
			e.status = StatusError
			e.err = err
			c.metrics.incr("cache.fetch_errors", key.Resource)
			c.logger.Warn("fetch failed", zap.String("resource", key.Resource), zap.String("key", key.String()), zap.Error(err))
		} else {
			e.server = data
			e.serverSeq = startSeq
			e.fetchedAt = time.Now()
			e.status = StatusSuccess
			e.err = nil
			e.stale = e.gen != gen
			c.refreshView(e)
			c.pruneSettled(key.Resource)
		}
		e.version++
		view := e.view
		out = c.collect(e, nil)
		c.mu.Unlock()
		c.deliver(out)

		if err != nil {
			return nil, err
		}
		return view, nil
	}
}

// query issues the provider read. It never uses a caller context: a fetch
// outlives the subscriber that started it.
func (c *QueryCache) query(key QueryKey) (*Data, error) {
	ctx := context.Background()
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
	}

	switch key.Kind {
	case KindGetOne:
		rec, err := c.provider.GetOne(ctx, key.Resource, key.ID)
		if err != nil {
			return nil, classify("getOne", key.Resource, err)
		}
		if rec == nil {
			return nil, fmt.Errorf("getOne %s/%s: %w", key.Resource, key.ID, ErrNotFound)
		}
		return &Data{Record: rec.Clone(), Total: 1}, nil
	case KindGetList:
		res, err := c.provider.GetList(ctx, key.Resource, key.List)
		if err != nil {
			return nil, classify("getList", key.Resource, err)
		}
		return &Data{Records: cloneRecords(res.Data), Total: res.Total}, nil
	default:
		recs, err := c.provider.GetMany(ctx, key.Resource, key.IDs)
		if err != nil {
			return nil, classify("getMany", key.Resource, err)
		}
		return &Data{Records: cloneRecords(recs), Total: len(recs)}, nil
	}
}

func cloneRecords(recs []Record) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Clone())
	}
	return out
}

func waitFlight(ctx context.Context, ch <-chan singleflight.Result) (*Data, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		data, _ := res.Val.(*Data)
		return data, nil
	}
}

// --- public API ---

// Subscribe registers fn on the entry for key. The current snapshot is
// delivered before Subscribe returns, then every transition. Unsubscribing
// does not cancel a running fetch.
func (c *QueryCache) Subscribe(key QueryKey, fn func(Snapshot)) (unsubscribe func(), err error) {
	key, hash, err := prepareKey(key)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		fn = func(Snapshot) {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e := c.acquire(key, hash)
	c.nextSubID++
	sub := &subscription{id: c.nextSubID, fn: fn}
	e.subs[sub.id] = sub
	if c.needsFetch(e) {
		c.metrics.incr("cache.misses", key.Resource)
		c.logger.Debug("cache miss", zap.String("key", key.String()))
		c.startFetch(e)
	} else {
		c.metrics.incr("cache.hits", key.Resource)
		c.logger.Debug("cache hit", zap.String("key", key.String()))
	}
	snap := e.snapshot()
	c.mu.Unlock()

	sub.deliver(snap)

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(hash, sub) })
	}, nil
}

func (c *QueryCache) unsubscribe(hash string, sub *subscription) {
	sub.closed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.active[hash]
	if !ok {
		return
	}
	delete(e.subs, sub.id)
	if len(e.subs) == 0 && !c.closed {
		delete(c.active, hash)
		c.inactive.Add(hash, e)
		c.pruneSettled(e.key.Resource)
	}
}

// Get reads the current state of an entry without fetching.
func (c *QueryCache) Get(key QueryKey) (Snapshot, bool) {
	key, hash, err := prepareKey(key)
	if err != nil {
		return Snapshot{Key: key}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(hash)
	if e == nil {
		return Snapshot{Key: key, Status: StatusIdle}, false
	}
	return e.snapshot(), true
}

// Fetch returns the entry data when it is fresh, otherwise it joins or starts
// a read and waits for it.
func (c *QueryCache) Fetch(ctx context.Context, key QueryKey) (*Data, error) {
	return c.fetch(ctx, key, false)
}

// Refetch always reads through to the provider, attaching to a read already
// in flight for the key.
func (c *QueryCache) Refetch(ctx context.Context, key QueryKey) (*Data, error) {
	return c.fetch(ctx, key, true)
}

func (c *QueryCache) fetch(ctx context.Context, key QueryKey, force bool) (*Data, error) {
	key, hash, err := prepareKey(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e := c.lookup(hash)
	if e == nil {
		e = c.newEntry(key, hash)
		c.park(e)
	}
	if !force && e.status == StatusSuccess && !c.isStale(e) {
		view := e.view
		c.mu.Unlock()
		c.metrics.incr("cache.hits", key.Resource)
		return view, nil
	}
	ch := c.startFetch(e)
	out := c.collect(e, nil)
	c.mu.Unlock()
	c.deliver(out)

	return waitFlight(ctx, ch)
}

// Invalidate marks every entry matched by the event stale. Entries with
// subscribers refetch in the background; the others refetch on their next
// subscription.
func (c *QueryCache) Invalidate(event InvalidationEvent) {
	c.mu.Lock()
	var out []delivery
	for _, hash := range c.index.KeysFor(event.Resource) {
		e := c.lookup(hash)
		if e == nil {
			c.index.Deregister(hash)
			continue
		}
		if !event.Matches(e.key) {
			continue
		}
		e.gen++
		e.stale = true
		e.version++
		c.metrics.incr("cache.invalidations", e.key.Resource)
		if len(e.subs) > 0 {
			c.startFetch(e)
		}
		out = c.collect(e, out)
	}
	c.mu.Unlock()
	c.deliver(out)
}

// SetData stores a server-confirmed answer for key without a provider read.
func (c *QueryCache) SetData(key QueryKey, data *Data) error {
	key, hash, err := prepareKey(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	e := c.lookup(hash)
	if e == nil {
		e = c.newEntry(key, hash)
		c.park(e)
	}
	c.seq++
	e.server = data
	e.serverSeq = c.seq
	e.status = StatusSuccess
	e.err = nil
	e.fetchedAt = time.Now()
	e.stale = false
	c.refreshView(e)
	e.version++
	out := c.collect(e, nil)
	c.mu.Unlock()
	c.deliver(out)
	return nil
}

// ApplyProjection layers fn over every entry of resource that shows one of
// ids. Server snapshots are kept untouched.
func (c *QueryCache) ApplyProjection(resource string, ids []ID, fn ProjectFunc) ProjectionID {
	c.mu.Lock()
	id, out := c.applyProjectionLocked(resource, ids, fn)
	c.mu.Unlock()
	c.deliver(out)
	return id
}

func (c *QueryCache) applyProjectionLocked(resource string, ids []ID, fn ProjectFunc) (ProjectionID, []delivery) {
	c.seq++
	p := &projection{
		id:       ProjectionID(uuid.NewString()),
		resource: resource,
		ids:      idSet(ids),
		fn:       fn,
		seq:      c.seq,
	}
	c.projections = append(c.projections, p)
	return p.id, c.refreshResource(resource)
}

// RevertProjection removes a projection and recomputes the affected entries
// from their retained server snapshots.
func (c *QueryCache) RevertProjection(id ProjectionID) bool {
	c.mu.Lock()
	p := c.removeProjection(id)
	if p == nil {
		c.mu.Unlock()
		return false
	}
	out := c.refreshResource(p.resource)
	c.mu.Unlock()
	c.deliver(out)
	return true
}

// settleProjection marks a projection as committed. It keeps covering
// entries whose server answer predates the commit until their refetch lands.
func (c *QueryCache) settleProjection(id ProjectionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.projections {
		if p.id == id {
			c.seq++
			p.settledSeq = c.seq
			c.pruneSettled(p.resource)
			return
		}
	}
}

// settlePartial commits the projection for the ids in committed and reverts
// it for the others.
func (c *QueryCache) settlePartial(id ProjectionID, committed []ID) {
	c.mu.Lock()
	var p *projection
	for _, candidate := range c.projections {
		if candidate.id == id {
			p = candidate
			break
		}
	}
	if p == nil {
		c.mu.Unlock()
		return
	}
	kept := make(map[ID]struct{}, len(committed))
	for _, cid := range committed {
		if _, ok := p.ids[cid]; ok {
			kept[cid] = struct{}{}
		}
	}
	if len(kept) == 0 {
		c.removeProjection(id)
	} else {
		p.ids = kept
		c.seq++
		p.settledSeq = c.seq
	}
	out := c.refreshResource(p.resource)
	c.pruneSettled(p.resource)
	c.mu.Unlock()
	c.deliver(out)
}

// Projections returns the number of projections held, pending and committed.
func (c *QueryCache) Projections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.projections)
}

func (c *QueryCache) removeProjection(id ProjectionID) *projection {
	for i, p := range c.projections {
		if p.id == id {
			c.projections = append(c.projections[:i:i], c.projections[i+1:]...)
			return p
		}
	}
	return nil
}

func (c *QueryCache) computeView(e *entry) *Data {
	d := e.server
	if d == nil {
		return nil
	}
	for _, p := range c.projections {
		if p.appliesTo(e) {
			d = p.apply(e.key.Kind, d)
		}
	}
	return d
}

// refreshView recomputes e.view and reports whether it changed. A view equal
// in content to the current one keeps the current reference.
func (c *QueryCache) refreshView(e *entry) bool {
	view := c.computeView(e)
	if view != e.server && dataEqual(view, e.view) {
		return false
	}
	if view == e.view {
		return false
	}
	e.view = view
	return true
}

func (c *QueryCache) refreshResource(resource string) []delivery {
	var out []delivery
	for _, hash := range c.index.KeysFor(resource) {
		e := c.lookup(hash)
		if e == nil {
			continue
		}
		if c.refreshView(e) {
			e.version++
			out = c.collect(e, out)
		}
	}
	return out
}

// pruneSettled drops committed projections no entry still relies on. An
// inactive entry holding pre-commit data is evicted instead of pinning the
// projection; its next subscription reads from the provider. Entries with
// subscribers, or with a read in flight, keep the projection until their
// answer lands.
func (c *QueryCache) pruneSettled(resource string) {
	keys := c.index.KeysFor(resource)
	kept := c.projections[:0]
	for _, p := range c.projections {
		if p.resource != resource || !p.settled() {
			kept = append(kept, p)
			continue
		}
		needed := false
		for _, hash := range keys {
			e := c.lookup(hash)
			if e == nil || e.server == nil || e.serverSeq >= p.settledSeq {
				continue
			}
			if len(recordsIn(e.key.Kind, e.server, p.ids)) == 0 {
				continue
			}
			if _, active := c.active[hash]; !active && !e.fetching {
				c.inactive.Remove(hash)
				c.logger.Debug("evicted entry older than a commit", zap.String("key", e.key.String()))
				continue
			}
			needed = true
		}
		if needed {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(c.projections); i++ {
		c.projections[i] = nil
	}
	c.projections = kept
}

// currentRecords returns the visible version of each id found in the
// resource's entries, preferring get-one entries.
func (c *QueryCache) currentRecords(resource string, ids []ID) map[ID]Record {
	set := idSet(ids)
	found := make(map[ID]Record, len(ids))
	fromOne := make(map[ID]bool, len(ids))
	for _, hash := range c.index.KeysFor(resource) {
		e := c.lookup(hash)
		if e == nil {
			continue
		}
		for _, rec := range recordsIn(e.key.Kind, e.view, set) {
			id := rec.ID()
			if fromOne[id] {
				continue
			}
			found[id] = rec
			fromOne[id] = e.key.Kind == KindGetOne
		}
	}
	return found
}

// Stats returns the cache and mutation counters.
func (c *QueryCache) Stats() CacheStats {
	return c.metrics.snapshot()
}

// Len returns the number of entries held, active and inactive.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active) + c.inactive.Len()
}

// Close detaches the cache from the bus and drops every inactive entry.
// Active subscriptions stay readable but no longer receive invalidations.
func (c *QueryCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.stopBus != nil {
		c.stopBus()
	}
	c.inactive.Purge()
}
