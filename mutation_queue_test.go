package recordsync_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burugo/recordsync"
	"github.com/burugo/recordsync/providers/memory"
)

func waitMutation(t *testing.T, m *recordsync.Mutation) (recordsync.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := m.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return res, err
}

func TestMutationQueue_SameIDWritesAreSerialized(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Optimistic))
	one, _ := subscribe(t, client, recordsync.OneKey("posts", "1"))

	release := provider.Block(memory.OpUpdate)
	first, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": "B"})
	require.NoError(t, err)
	second, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": "C"})
	require.NoError(t, err)
	assert.Equal(t, "C", one.last().Record()["title"])

	require.Eventually(t, func() bool { return provider.Calls(memory.OpUpdate) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return provider.Calls(memory.OpUpdate) > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.True(t, first.Issued())
	assert.False(t, second.Issued())

	release()
	_, err = waitMutation(t, first)
	require.NoError(t, err)
	_, err = waitMutation(t, second)
	require.NoError(t, err)
	waitSettled(t, one)

	assert.Equal(t, 2, provider.Calls(memory.OpUpdate))
	assert.Equal(t, "C", provider.Records("posts")[0]["title"])

	// Once the latest write is visible, no older value reappears.
	seenLatest := false
	for _, s := range one.all() {
		title := s.Record()["title"]
		if title == "C" {
			seenLatest = true
			continue
		}
		assert.False(t, seenLatest, "title went back to %v after C was shown", title)
	}
	assert.Equal(t, "C", one.last().Record()["title"])
}

func TestMutationQueue_CancelAfterWindowCloses(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Undoable))

	m, err := client.Delete(context.Background(), "posts", "2", recordsync.WithUndoDelay(20*time.Millisecond))
	require.NoError(t, err)
	_, err = waitMutation(t, m)
	require.NoError(t, err)

	assert.False(t, m.CanUndo())
	assert.ErrorIs(t, m.Cancel(), recordsync.ErrUndoWindowClosed)
	assert.Equal(t, recordsync.StateCommitted, m.State())
	assert.Len(t, provider.Records("posts"), 2)
}

func TestMutationQueue_CancelOutsideUndoableMode(t *testing.T) {
	client, _ := setupClient(t, testConfig(recordsync.Pessimistic))

	m, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": "Renamed"})
	require.NoError(t, err)
	_, err = waitMutation(t, m)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Cancel(), recordsync.ErrUndoWindowClosed)
	assert.True(t, m.Deadline().IsZero())
}

func TestMutationQueue_SecondCancelIsNoop(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Undoable))

	m, err := client.Delete(context.Background(), "posts", "1")
	require.NoError(t, err)
	require.NoError(t, m.Cancel())
	assert.NoError(t, m.Cancel())
	assert.Equal(t, recordsync.StateRolledBack, m.State())
	assert.Zero(t, provider.Calls(memory.OpDelete))
}

func TestMutationQueue_CommitRefreshesListAndManyEntries(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Optimistic))
	list, _ := subscribe(t, client, allPosts())
	many, _ := subscribe(t, client, recordsync.ManyKey("posts", []recordsync.ID{"1", "2"}))
	require.Equal(t, 1, provider.Calls(memory.OpGetList))
	require.Equal(t, 1, provider.Calls(memory.OpGetMany))

	m, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": "Renamed"})
	require.NoError(t, err)
	_, err = waitMutation(t, m)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return provider.Calls(memory.OpGetList) == 2 && provider.Calls(memory.OpGetMany) == 2
	}, 2*time.Second, 5*time.Millisecond)
	waitSettled(t, list)
	waitSettled(t, many)
	assert.Equal(t, "Renamed", list.last().Records()[0]["title"])
	assert.Equal(t, []interface{}{"Renamed", "World"}, titles(many.last().Records()))
	assert.False(t, list.last().IsStale)
}

func TestMutationQueue_DeletesInOneWindowAreBatched(t *testing.T) {
	cfg := testConfig(recordsync.Optimistic)
	cfg.BatchWindow = 20 * time.Millisecond
	client, provider := setupClient(t, cfg)
	list, _ := subscribe(t, client, allPosts())

	first, err := client.Delete(context.Background(), "posts", "1")
	require.NoError(t, err)
	second, err := client.Delete(context.Background(), "posts", "2")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Again"}, titles(list.last().Records()))

	res, err := waitMutation(t, first)
	require.NoError(t, err)
	assert.Equal(t, []recordsync.ID{"1"}, res.IDs)
	res, err = waitMutation(t, second)
	require.NoError(t, err)
	assert.Equal(t, []recordsync.ID{"2"}, res.IDs)

	assert.Equal(t, 1, provider.Calls(memory.OpDeleteMany))
	assert.Zero(t, provider.Calls(memory.OpDelete))
	assert.Len(t, provider.Records("posts"), 1)
}

func TestMutationQueue_BatchFailureResolvesEveryMember(t *testing.T) {
	cfg := testConfig(recordsync.Optimistic)
	cfg.BatchWindow = 20 * time.Millisecond
	client, provider := setupClient(t, cfg)
	list, _ := subscribe(t, client, allPosts())
	before := list.last().Data

	provider.FailNext(memory.OpDeleteMany, errors.New("503 service unavailable"))
	first, err := client.Delete(context.Background(), "posts", "1")
	require.NoError(t, err)
	second, err := client.Delete(context.Background(), "posts", "2")
	require.NoError(t, err)

	_, err = waitMutation(t, first)
	assert.ErrorIs(t, err, recordsync.ErrNetworkFailure)
	_, err = waitMutation(t, second)
	assert.ErrorIs(t, err, recordsync.ErrNetworkFailure)

	assert.Same(t, before, list.last().Data)
	assert.Len(t, provider.Records("posts"), 3)
}

func TestMutationQueue_PartialBatchFailure(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Optimistic), memory.WithoutBatching())
	list, _ := subscribe(t, client, allPosts())

	m, err := client.UpdateMany(context.Background(), "posts", []recordsync.ID{"2", "1", "99"}, recordsync.Record{"published": false})
	require.NoError(t, err)
	res, err := waitMutation(t, m)
	require.Error(t, err)

	var batchErr *recordsync.BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, []recordsync.ID{"99"}, batchErr.Failed())
	assert.ErrorIs(t, batchErr.Items["99"], recordsync.ErrNotFound)
	assert.Equal(t, []recordsync.ID{"1", "2"}, res.IDs)
	assert.Equal(t, recordsync.StateFailed, m.State())
	assert.Equal(t, 3, provider.Calls(memory.OpUpdate))

	// The ids that were written are refetched from the provider.
	require.Eventually(t, func() bool { return provider.Calls(memory.OpGetList) == 2 }, 2*time.Second, 5*time.Millisecond)
	waitSettled(t, list)
	for _, rec := range list.last().Records()[:2] {
		assert.Equal(t, false, rec["published"], "post %s", rec.ID())
	}
}

func TestMutationQueue_PartialBatchKeepsWrittenRows(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Optimistic), memory.WithoutBatching())
	list, _ := subscribe(t, client, allPosts())
	release := provider.Block(memory.OpGetList)
	defer release()

	m, err := client.UpdateMany(context.Background(), "posts", []recordsync.ID{"1", "99"}, recordsync.Record{"title": "Bulk"})
	require.NoError(t, err)
	_, err = waitMutation(t, m)
	require.Error(t, err)

	snap := list.last()
	assert.True(t, snap.IsFetching)
	assert.Equal(t, []interface{}{"Bulk", "World", "Again"}, titles(snap.Records()), "the written row stays projected while the refetch runs")

	projected := false
	for _, s := range list.all() {
		if len(s.Records()) == 0 {
			continue
		}
		title := s.Records()[0]["title"]
		if title == "Bulk" {
			projected = true
			continue
		}
		assert.False(t, projected, "post 1 never goes back to %v", title)
	}

	release()
	waitSettled(t, list)
	assert.Equal(t, []interface{}{"Bulk", "World", "Again"}, titles(list.last().Records()))
	assert.Zero(t, client.Cache().Projections())
}

func TestMutationQueue_BeforeMutateListenerAborts(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Optimistic))
	one, _ := subscribe(t, client, recordsync.OneKey("posts", "1"))
	errReadOnly := errors.New("posts are read-only")
	client.RegisterListener(recordsync.EventBeforeMutate, func(ctx context.Context, _ recordsync.EventType, m *recordsync.Mutation, _ error) error {
		return errReadOnly
	})

	m, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": "Renamed"})
	assert.Nil(t, m)
	assert.ErrorIs(t, err, errReadOnly)
	assert.Equal(t, "Hello", one.last().Record()["title"])
	assert.Zero(t, provider.Calls(memory.OpUpdate))
	assert.Empty(t, client.Queue().Pending())
}

type eventLog struct {
	mu     sync.Mutex
	events []recordsync.EventType
	causes []error
}

func (l *eventLog) listen(client *recordsync.Client, types ...recordsync.EventType) {
	for _, et := range types {
		client.RegisterListener(et, func(ctx context.Context, eventType recordsync.EventType, m *recordsync.Mutation, cause error) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events = append(l.events, eventType)
			l.causes = append(l.causes, cause)
			return nil
		})
	}
}

func (l *eventLog) get() ([]recordsync.EventType, []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordsync.EventType(nil), l.events...), append([]error(nil), l.causes...)
}

var allEvents = []recordsync.EventType{
	recordsync.EventBeforeMutate,
	recordsync.EventAfterProject,
	recordsync.EventAfterCommit,
	recordsync.EventAfterRollback,
	recordsync.EventAfterFail,
}

func TestMutationQueue_LifecycleEvents(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		client, _ := setupClient(t, testConfig(recordsync.Optimistic))
		log := &eventLog{}
		log.listen(client, allEvents...)

		m, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": "Renamed"})
		require.NoError(t, err)
		_, err = waitMutation(t, m)
		require.NoError(t, err)

		events, _ := log.get()
		assert.Equal(t, []recordsync.EventType{recordsync.EventBeforeMutate, recordsync.EventAfterProject, recordsync.EventAfterCommit}, events)
	})

	t.Run("rollback", func(t *testing.T) {
		client, _ := setupClient(t, testConfig(recordsync.Undoable))
		log := &eventLog{}
		log.listen(client, allEvents...)

		m, err := client.Delete(context.Background(), "posts", "1")
		require.NoError(t, err)
		require.NoError(t, m.Cancel())

		events, _ := log.get()
		assert.Equal(t, []recordsync.EventType{recordsync.EventBeforeMutate, recordsync.EventAfterProject, recordsync.EventAfterRollback}, events)
	})

	t.Run("fail", func(t *testing.T) {
		client, provider := setupClient(t, testConfig(recordsync.Pessimistic))
		log := &eventLog{}
		log.listen(client, allEvents...)
		provider.FailNext(memory.OpUpdate, errors.New("timeout"))

		m, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": "Renamed"})
		require.NoError(t, err)
		_, err = waitMutation(t, m)
		require.Error(t, err)

		events, causes := log.get()
		assert.Equal(t, []recordsync.EventType{recordsync.EventBeforeMutate, recordsync.EventAfterFail}, events)
		assert.ErrorIs(t, causes[1], recordsync.ErrNetworkFailure)
	})
}

func TestMutationQueue_CallbacksRunBeforeWaitReturns(t *testing.T) {
	client, _ := setupClient(t, testConfig(recordsync.Optimistic))

	var succeeded, settled atomic.Bool
	var got recordsync.Result
	m, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": "Renamed"},
		recordsync.OnSuccess(func(res recordsync.Result) {
			got = res
			succeeded.Store(true)
		}),
		recordsync.OnError(func(err error) { t.Errorf("unexpected error callback: %v", err) }),
		recordsync.OnSettled(func(_ recordsync.Result, err error) {
			assert.NoError(t, err)
			settled.Store(true)
		}),
	)
	require.NoError(t, err)
	res, err := waitMutation(t, m)
	require.NoError(t, err)

	assert.True(t, succeeded.Load())
	assert.True(t, settled.Load())
	assert.Equal(t, res, got)
	assert.Equal(t, "Renamed", res.Record["title"])
}

func TestMutationQueue_CancelSettlesWithCancellation(t *testing.T) {
	client, _ := setupClient(t, testConfig(recordsync.Undoable))

	var settledErr error
	var errorCalled atomic.Bool
	m, err := client.Delete(context.Background(), "posts", "1",
		recordsync.OnError(func(error) { errorCalled.Store(true) }),
		recordsync.OnSettled(func(_ recordsync.Result, err error) { settledErr = err }),
	)
	require.NoError(t, err)
	require.NoError(t, m.Cancel())

	assert.ErrorIs(t, settledErr, recordsync.ErrMutationCancelled)
	assert.False(t, errorCalled.Load())
}

func TestMutationQueue_FlushUndoable(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Undoable))

	m, err := client.Delete(context.Background(), "posts", "3", recordsync.WithUndoDelay(time.Hour))
	require.NoError(t, err)
	assert.Len(t, client.Queue().Pending(), 1)

	assert.Equal(t, 1, client.Queue().FlushUndoable())
	_, err = waitMutation(t, m)
	require.NoError(t, err)
	assert.Equal(t, recordsync.StateCommitted, m.State())
	assert.Equal(t, 1, provider.Calls(memory.OpDelete))
	assert.Empty(t, client.Queue().Pending())
	assert.Zero(t, client.Queue().FlushUndoable())
}

func TestMutationQueue_CloseCommitsPendingWrites(t *testing.T) {
	provider := memory.New(map[string][]recordsync.Record{"posts": seedPosts()})
	client, err := recordsync.New(provider, testConfig(recordsync.Undoable))
	require.NoError(t, err)

	m, err := client.Update(context.Background(), "posts", "2", recordsync.Record{"title": "Kept"}, recordsync.WithUndoDelay(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Close(ctx))

	assert.Equal(t, recordsync.StateCommitted, m.State())
	assert.Equal(t, "Kept", provider.Records("posts")[1]["title"])

	_, err = client.Update(context.Background(), "posts", "2", recordsync.Record{"title": "Late"})
	assert.ErrorIs(t, err, recordsync.ErrClosed)
}

func TestMutationQueue_InvalidRequests(t *testing.T) {
	client, _ := setupClient(t, testConfig(recordsync.Optimistic))
	ctx := context.Background()

	tests := []struct {
		name string
		req  recordsync.MutationRequest
	}{
		{"missing resource", recordsync.MutationRequest{Kind: recordsync.MutationDelete, ID: "1"}},
		{"unknown kind", recordsync.MutationRequest{Resource: "posts", Kind: "upsert"}},
		{"update without id", recordsync.MutationRequest{Resource: "posts", Kind: recordsync.MutationUpdate, Data: recordsync.Record{}}},
		{"update without data", recordsync.MutationRequest{Resource: "posts", Kind: recordsync.MutationUpdate, ID: "1"}},
		{"deleteMany without ids", recordsync.MutationRequest{Resource: "posts", Kind: recordsync.MutationDeleteMany}},
		{"unknown mode", recordsync.MutationRequest{Resource: "posts", Kind: recordsync.MutationDelete, ID: "1", Mode: "eventually"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := client.Mutate(ctx, tt.req)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, recordsync.ErrInvalidMutation)
		})
	}

	_, err := client.Delete(ctx, "posts", "1", recordsync.WithUndoDelay(-time.Second))
	assert.ErrorIs(t, err, recordsync.ErrInvalidMutation)
}

func TestMutationQueue_PessimisticUpdate(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Pessimistic))
	one, _ := subscribe(t, client, recordsync.OneKey("posts", "1"))

	release := provider.Block(memory.OpUpdate)
	m, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, recordsync.StateCreated, m.State())
	assert.Never(t, func() bool { return one.last().Record()["title"] != "Hello" }, 50*time.Millisecond, 5*time.Millisecond)

	release()
	res, err := waitMutation(t, m)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", res.Record["title"])
	assert.Equal(t, "Renamed", one.last().Record()["title"])
}

func TestMutationQueue_ValidationFailure(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Pessimistic))
	provider.FailNext(memory.OpUpdate, &recordsync.ValidationError{
		Fields: map[string]string{"title": "required"},
	})

	var onError error
	m, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": ""},
		recordsync.OnError(func(err error) { onError = err }))
	require.NoError(t, err)
	_, err = waitMutation(t, m)

	assert.ErrorIs(t, err, recordsync.ErrValidationFailed)
	var verr *recordsync.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "required", verr.Fields["title"])
	assert.Same(t, verr, onError)
	assert.Equal(t, "Hello", provider.Records("posts")[0]["title"])
}

func TestMutationQueue_CreatePrimesGetOneEntry(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Optimistic))

	release := provider.Block(memory.OpCreate)
	m, err := client.Create(context.Background(), "posts", recordsync.Record{"title": "Fresh"})
	require.NoError(t, err)
	assert.Equal(t, recordsync.StateCreated, m.State(), "creates are never projected")
	release()
	res, err := waitMutation(t, m)
	require.NoError(t, err)
	require.Equal(t, recordsync.ID("4"), res.Record.ID())

	snap, ok := client.Cache().Get(recordsync.OneKey("posts", "4"))
	require.True(t, ok)
	assert.Equal(t, "Fresh", snap.Record()["title"])

	rec, err := client.GetOne(context.Background(), "posts", "4")
	require.NoError(t, err)
	assert.Equal(t, "Fresh", rec["title"])
	assert.Len(t, provider.Records("posts"), 4)
}

func TestMutationQueue_PreviousSnapshot(t *testing.T) {
	client, provider := setupClient(t, testConfig(recordsync.Optimistic))
	subscribe(t, client, recordsync.OneKey("posts", "1"))

	release := provider.Block(memory.OpUpdate)
	defer release()
	m, err := client.Update(context.Background(), "posts", "1", recordsync.Record{"title": "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", m.Previous("1")["title"])

	override := recordsync.Record{"id": 1, "title": "Custom"}
	m2, err := client.Update(context.Background(), "posts", "2", recordsync.Record{"title": "X"}, recordsync.WithPreviousData(override))
	require.NoError(t, err)
	assert.Equal(t, "Custom", m2.Previous("2")["title"])
}
