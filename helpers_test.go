package recordsync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/burugo/recordsync"
	"github.com/burugo/recordsync/providers/memory"
)

// --- Test Setup & Helpers ---

func seedPosts() []recordsync.Record {
	return []recordsync.Record{
		{"id": 1, "title": "Hello", "views": 10, "published": true},
		{"id": 2, "title": "World", "views": 20, "published": false},
		{"id": 3, "title": "Again", "views": 30, "published": true},
	}
}

func testConfig(mode recordsync.MutationMode) recordsync.Config {
	cfg := recordsync.DefaultConfig()
	cfg.MutationMode = mode
	cfg.StaleTime = time.Minute
	return cfg
}

// setupClient creates a client over a memory provider seeded with posts.
func setupClient(t *testing.T, cfg recordsync.Config, opts ...memory.Option) (*recordsync.Client, *memory.Provider) {
	t.Helper()
	provider := memory.New(map[string][]recordsync.Record{"posts": seedPosts()}, opts...)
	return setupClientWith(t, provider, cfg), provider
}

func setupClientWith(t *testing.T, provider recordsync.DataProvider, cfg recordsync.Config) *recordsync.Client {
	t.Helper()
	client, err := recordsync.New(provider, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	})
	return client
}

// recorder collects the snapshots delivered to a subscription.
type recorder struct {
	mu    sync.Mutex
	snaps []recordsync.Snapshot
}

func (r *recorder) fn(s recordsync.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() recordsync.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return recordsync.Snapshot{}
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *recorder) all() []recordsync.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordsync.Snapshot(nil), r.snaps...)
}

// subscribe registers a recorder on key and waits for the first answer.
func subscribe(t *testing.T, client *recordsync.Client, key recordsync.QueryKey) (*recorder, func()) {
	t.Helper()
	rec := &recorder{}
	unsubscribe, err := client.Subscribe(key, rec.fn)
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	waitSettled(t, rec)
	return rec, unsubscribe
}

// waitSettled waits until the last snapshot is a finished fetch.
func waitSettled(t *testing.T, rec *recorder) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := rec.last()
		return (s.Status == recordsync.StatusSuccess || s.Status == recordsync.StatusError) && !s.IsFetching
	}, 2*time.Second, 5*time.Millisecond)
}

func titles(records []recordsync.Record) []interface{} {
	out := make([]interface{}, 0, len(records))
	for _, r := range records {
		out = append(out, r["title"])
	}
	return out
}

func hasID(records []recordsync.Record, id recordsync.ID) bool {
	for _, r := range records {
		if r.ID() == id {
			return true
		}
	}
	return false
}

func allPosts() recordsync.QueryKey {
	return recordsync.ListKey("posts", recordsync.ListParams{})
}
