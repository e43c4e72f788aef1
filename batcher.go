package recordsync

import (
	"encoding/json"
	"sync"
	"time"
)

// batch collects ready mutations that share a resource, an operation and a
// payload.
type batch struct {
	resource string
	op       MutationKind
	data     Record
	members  []*Mutation
}

// batcher coalesces ready mutations that arrive within one window into a
// single UpdateMany or DeleteMany call. Members never share an id: per-id
// ordering keeps a second write on an id waiting until the first resolves.
type batcher struct {
	queue  *MutationQueue
	window time.Duration

	mu     sync.Mutex
	groups map[string]*batch
}

func newBatcher(q *MutationQueue, window time.Duration) *batcher {
	return &batcher{
		queue:  q,
		window: window,
		groups: make(map[string]*batch),
	}
}

func batchOp(kind MutationKind) MutationKind {
	switch kind {
	case MutationUpdate, MutationUpdateMany:
		return MutationUpdateMany
	case MutationDelete, MutationDeleteMany:
		return MutationDeleteMany
	}
	return ""
}

func batchKey(m *Mutation) (string, MutationKind, error) {
	op := batchOp(m.req.Kind)
	key := m.req.Resource + "|" + string(op)
	if op == MutationUpdateMany {
		// json.Marshal sorts map keys, so equal payloads hash equally.
		raw, err := json.Marshal(m.req.Data)
		if err != nil {
			return "", op, err
		}
		key += "|" + hashBytes(raw)
	}
	return key, op, nil
}

func (b *batcher) add(m *Mutation) {
	key, op, err := batchKey(m)
	if err != nil {
		b.queue.execute(m)
		return
	}

	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok {
		g = &batch{resource: m.req.Resource, op: op, data: m.req.Data}
		b.groups[key] = g
		time.AfterFunc(b.window, func() { b.flush(key, g) })
	}
	g.members = append(g.members, m)
	b.mu.Unlock()
}

func (b *batcher) flush(key string, g *batch) {
	b.mu.Lock()
	if b.groups[key] == g {
		delete(b.groups, key)
	}
	members := g.members
	b.mu.Unlock()

	if len(members) == 1 {
		b.queue.execute(members[0])
		return
	}
	b.queue.executeBatch(g.resource, g.op, g.data, members)
}
