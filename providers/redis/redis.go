// Package redis is a DataProvider keeping each resource in one Redis hash:
// the field is the record id and the value the JSON-encoded record.
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/burugo/recordsync"
	"github.com/burugo/recordsync/internal/listing"
)

const (
	defaultPrefix = "recordsync"
	maxTxRetries  = 5
)

// Options holds configuration for the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, "recordsync" when empty
	Logger   *zap.Logger
}

// Provider implements recordsync.DataProvider on Redis hashes.
type Provider struct {
	rdb               *redis.Client
	prefix            string
	logger            *zap.Logger
	createdInternally bool
}

var (
	_ recordsync.DataProvider       = (*Provider)(nil)
	_ recordsync.CapabilityProvider = (*Provider)(nil)
	_ io.Closer                     = (*Provider)(nil)
)

// New creates a provider. If rdb is not nil it is used directly, otherwise
// opts are used to create a client.
func New(rdb *redis.Client, opts *Options) (*Provider, error) {
	if opts == nil {
		opts = &Options{}
	}
	p := &Provider{prefix: opts.Prefix, logger: opts.Logger}
	if p.prefix == "" {
		p.prefix = defaultPrefix
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("redis")

	if rdb != nil {
		p.rdb = rdb
	} else {
		p.rdb = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		p.createdInternally = true
	}

	if err := p.rdb.Ping(context.Background()).Err(); err != nil {
		if p.createdInternally {
			p.rdb.Close()
		}
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	p.logger.Info("redis provider initialized", zap.String("addr", p.rdb.Options().Addr), zap.String("prefix", p.prefix))
	return p, nil
}

// Close implements io.Closer. Only closes the client if New created it.
func (p *Provider) Close() error {
	if p.createdInternally && p.rdb != nil {
		return p.rdb.Close()
	}
	return nil
}

// Capabilities implements recordsync.CapabilityProvider.
func (p *Provider) Capabilities() recordsync.Capabilities {
	return recordsync.Capabilities{UpdateMany: true, DeleteMany: true}
}

func (p *Provider) hashKey(resource string) string {
	return p.prefix + ":" + resource
}

func (p *Provider) seqKey(resource string) string {
	return p.prefix + ":" + resource + ":seq"
}

func decode(raw string) (recordsync.Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var rec recordsync.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("redis: decoding record: %w", err)
	}
	return rec, nil
}

func encode(rec recordsync.Record) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", &recordsync.ValidationError{Message: fmt.Sprintf("record is not JSON encodable: %v", err)}
	}
	return string(raw), nil
}

func notFound(resource string, id recordsync.ID) error {
	return fmt.Errorf("%s/%s: %w", resource, id, recordsync.ErrNotFound)
}

// watch runs fn in an optimistic transaction on key, retrying when another
// client touched the key in between.
func (p *Provider) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := p.rdb.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		p.logger.Debug("transaction conflict, retrying", zap.String("key", key), zap.Int("attempt", i+1))
	}
	return fmt.Errorf("redis: %s: %w", key, recordsync.ErrConflict)
}

// GetOne implements recordsync.DataProvider.
func (p *Provider) GetOne(ctx context.Context, resource string, id recordsync.ID) (recordsync.Record, error) {
	raw, err := p.rdb.HGet(ctx, p.hashKey(resource), string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(resource, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// GetList implements recordsync.DataProvider. Filtering, sorting and paging
// happen client-side over the whole hash.
func (p *Provider) GetList(ctx context.Context, resource string, params recordsync.ListParams) (recordsync.ListResult, error) {
	all, err := p.rdb.HGetAll(ctx, p.hashKey(resource)).Result()
	if err != nil {
		return recordsync.ListResult{}, err
	}
	records := make([]recordsync.Record, 0, len(all))
	for _, raw := range all {
		rec, err := decode(raw)
		if err != nil {
			return recordsync.ListResult{}, err
		}
		records = append(records, rec)
	}
	// Hash order is random; id order is the natural order.
	sort.SliceStable(records, func(i, j int) bool {
		return listing.Compare(records[i].ID(), records[j].ID()) < 0
	})
	return listing.Apply(records, params), nil
}

// GetMany implements recordsync.DataProvider. Missing ids are skipped.
func (p *Provider) GetMany(ctx context.Context, resource string, ids []recordsync.ID) ([]recordsync.Record, error) {
	if len(ids) == 0 {
		return []recordsync.Record{}, nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = string(id)
	}
	values, err := p.rdb.HMGet(ctx, p.hashKey(resource), fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]recordsync.Record, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Create implements recordsync.DataProvider. Records without an id get the
// next value of the resource sequence.
func (p *Provider) Create(ctx context.Context, resource string, data recordsync.Record) (recordsync.Record, error) {
	rec := data.Clone()
	if rec == nil {
		rec = recordsync.Record{}
	}
	if rec.ID() == "" {
		seq, err := p.rdb.Incr(ctx, p.seqKey(resource)).Result()
		if err != nil {
			return nil, err
		}
		rec[recordsync.IDField] = seq
	}
	raw, err := encode(rec)
	if err != nil {
		return nil, err
	}
	ok, err := p.rdb.HSetNX(ctx, p.hashKey(resource), string(rec.ID()), raw).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &recordsync.ValidationError{
			Message: "duplicate id",
			Fields:  map[string]string{recordsync.IDField: "already exists"},
		}
	}
	return decode(raw)
}

// Update implements recordsync.DataProvider.
func (p *Provider) Update(ctx context.Context, resource string, id recordsync.ID, data, _ recordsync.Record) (recordsync.Record, error) {
	key := p.hashKey(resource)
	var out recordsync.Record
	err := p.watch(ctx, key, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, string(id)).Result()
		if errors.Is(err, redis.Nil) {
			return notFound(resource, id)
		}
		if err != nil {
			return err
		}
		prev, err := decode(raw)
		if err != nil {
			return err
		}
		next := prev.Merge(data)
		next[recordsync.IDField] = prev[recordsync.IDField]
		encoded, err := encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, string(id), encoded)
			return nil
		})
		if err == nil {
			out, err = decode(encoded)
		}
		return err
	})
	return out, err
}

// UpdateMany implements recordsync.DataProvider. Missing ids are reported in
// a *recordsync.BatchError; the others are written in one transaction.
func (p *Provider) UpdateMany(ctx context.Context, resource string, ids []recordsync.ID, data recordsync.Record) ([]recordsync.ID, error) {
	key := p.hashKey(resource)
	var done []recordsync.ID
	var failed map[recordsync.ID]error
	err := p.watch(ctx, key, func(tx *redis.Tx) error {
		done, failed = nil, make(map[recordsync.ID]error)
		current, err := p.loadMany(ctx, tx, key, ids)
		if err != nil {
			return err
		}
		updates := make(map[string]interface{}, len(ids))
		for _, id := range ids {
			prev, ok := current[id]
			if !ok {
				failed[id] = notFound(resource, id)
				continue
			}
			next := prev.Merge(data)
			next[recordsync.IDField] = prev[recordsync.IDField]
			encoded, err := encode(next)
			if err != nil {
				failed[id] = err
				continue
			}
			updates[string(id)] = encoded
			done = append(done, id)
		}
		if len(updates) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, updates)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return batchResult("updateMany", resource, done, failed)
}

func (p *Provider) loadMany(ctx context.Context, tx *redis.Tx, key string, ids []recordsync.ID) (map[recordsync.ID]recordsync.Record, error) {
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = string(id)
	}
	values, err := tx.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[recordsync.ID]recordsync.Record, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out[ids[i]] = rec
	}
	return out, nil
}

// Delete implements recordsync.DataProvider.
func (p *Provider) Delete(ctx context.Context, resource string, id recordsync.ID, _ recordsync.Record) (recordsync.Record, error) {
	key := p.hashKey(resource)
	var out recordsync.Record
	err := p.watch(ctx, key, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, string(id)).Result()
		if errors.Is(err, redis.Nil) {
			return notFound(resource, id)
		}
		if err != nil {
			return err
		}
		if out, err = decode(raw); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, string(id))
			return nil
		})
		return err
	})
	return out, err
}

// DeleteMany implements recordsync.DataProvider.
func (p *Provider) DeleteMany(ctx context.Context, resource string, ids []recordsync.ID) ([]recordsync.ID, error) {
	key := p.hashKey(resource)
	var done []recordsync.ID
	var failed map[recordsync.ID]error
	err := p.watch(ctx, key, func(tx *redis.Tx) error {
		done, failed = nil, make(map[recordsync.ID]error)
		current, err := p.loadMany(ctx, tx, key, ids)
		if err != nil {
			return err
		}
		var fields []string
		for _, id := range ids {
			if _, ok := current[id]; !ok {
				failed[id] = notFound(resource, id)
				continue
			}
			fields = append(fields, string(id))
			done = append(done, id)
		}
		if len(fields) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, fields...)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return batchResult("deleteMany", resource, done, failed)
}

func batchResult(op, resource string, done []recordsync.ID, failed map[recordsync.ID]error) ([]recordsync.ID, error) {
	if len(failed) > 0 {
		return done, &recordsync.BatchError{Op: op, Resource: resource, Succeeded: done, Items: failed}
	}
	return done, nil
}
