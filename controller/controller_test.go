package controller_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burugo/recordsync"
	"github.com/burugo/recordsync/controller"
	"github.com/burugo/recordsync/providers/memory"
)

func setupClient(t *testing.T, mode recordsync.MutationMode) (*recordsync.Client, *memory.Provider) {
	t.Helper()
	provider := memory.New(map[string][]recordsync.Record{"posts": {
		{"id": 1, "title": "Hello", "views": 10, "published": true},
		{"id": 2, "title": "World", "views": 20, "published": false},
		{"id": 3, "title": "Again", "views": 30, "published": true},
	}})
	cfg := recordsync.DefaultConfig()
	cfg.MutationMode = mode
	cfg.StaleTime = time.Minute
	client, err := recordsync.New(provider, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	})
	return client, provider
}

type stateGetter interface {
	State() controller.State
}

// waitFor waits until the controller state satisfies cond.
func waitFor(t *testing.T, c stateGetter, cond func(controller.State) bool) controller.State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.State()) }, 2*time.Second, 5*time.Millisecond)
	return c.State()
}

func loaded(s controller.State) bool {
	return !s.IsLoading && !s.IsFetching && !s.IsStale
}

func titles(records []recordsync.Record) []interface{} {
	out := make([]interface{}, 0, len(records))
	for _, r := range records {
		out = append(out, r["title"])
	}
	return out
}

func TestListController_Pagination(t *testing.T) {
	client, _ := setupClient(t, recordsync.Undoable)
	list, err := controller.NewList(client, "posts", controller.ListOptions{PerPage: 2})
	require.NoError(t, err)
	defer list.Close()

	s := waitFor(t, list, loaded)
	assert.Equal(t, []interface{}{"Hello", "World"}, titles(s.Records))
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Page)
	assert.Equal(t, 2, s.PerPage)
	assert.True(t, s.HasNextPage)
	assert.False(t, s.HasPreviousPage)

	require.NoError(t, list.SetPage(2))
	s = waitFor(t, list, func(s controller.State) bool { return loaded(s) && s.Page == 2 })
	assert.Equal(t, []interface{}{"Again"}, titles(s.Records))
	assert.False(t, s.HasNextPage)
	assert.True(t, s.HasPreviousPage)

	require.NoError(t, list.SetPerPage(5))
	s = waitFor(t, list, func(s controller.State) bool { return loaded(s) && s.PerPage == 5 })
	assert.Equal(t, 1, s.Page)
	assert.Len(t, s.Records, 3)
}

func TestListController_SortAndFilters(t *testing.T) {
	client, _ := setupClient(t, recordsync.Undoable)
	list, err := controller.NewList(client, "posts", controller.ListOptions{
		Filter: map[string]interface{}{"published": true},
	})
	require.NoError(t, err)
	defer list.Close()

	s := waitFor(t, list, loaded)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, map[string]bool{"published": true}, s.DisplayedFilters)

	require.NoError(t, list.SetSort("views", ""))
	s = waitFor(t, list, func(s controller.State) bool { return loaded(s) && s.Sort.Field == "views" })
	assert.Equal(t, recordsync.SortAsc, s.Sort.Order)
	assert.Equal(t, []interface{}{"Hello", "Again"}, titles(s.Records))

	require.NoError(t, list.SetSort("views", ""))
	s = waitFor(t, list, func(s controller.State) bool { return loaded(s) && s.Sort.Order == recordsync.SortDesc })
	assert.Equal(t, []interface{}{"Again", "Hello"}, titles(s.Records))

	require.NoError(t, list.ShowFilter("q", nil))
	s = list.State()
	assert.True(t, s.DisplayedFilters["q"])
	assert.NotContains(t, s.Filter, "q")

	require.NoError(t, list.ShowFilter("views_gte", 25))
	s = waitFor(t, list, func(s controller.State) bool { return loaded(s) && s.Total == 1 })
	assert.Equal(t, []interface{}{"Again"}, titles(s.Records))

	require.NoError(t, list.HideFilter("published"))
	require.NoError(t, list.HideFilter("views_gte"))
	s = waitFor(t, list, func(s controller.State) bool { return loaded(s) && s.Total == 3 })
	assert.Empty(t, s.Filter)
	assert.Equal(t, map[string]bool{"q": true}, s.DisplayedFilters)

	require.NoError(t, list.SetFilters(map[string]interface{}{"title": "World"}))
	s = waitFor(t, list, func(s controller.State) bool { return loaded(s) && s.Total == 1 })
	assert.True(t, s.DisplayedFilters["title"])
}

func TestListController_Selection(t *testing.T) {
	client, _ := setupClient(t, recordsync.Undoable)
	list, err := controller.NewList(client, "posts", controller.ListOptions{})
	require.NoError(t, err)
	defer list.Close()

	list.Select("3", "1")
	assert.Equal(t, []recordsync.ID{"1", "3"}, list.State().SelectedIDs)
	list.Toggle("2")
	list.Toggle("3")
	assert.Equal(t, []recordsync.ID{"1", "2"}, list.State().SelectedIDs)
	list.Unselect("1")
	assert.Equal(t, []recordsync.ID{"2"}, list.State().SelectedIDs)
	list.ClearSelection()
	assert.Empty(t, list.State().SelectedIDs)
}

func TestListController_DeleteSelectionAndUndo(t *testing.T) {
	client, provider := setupClient(t, recordsync.Undoable)
	list, err := controller.NewList(client, "posts", controller.ListOptions{})
	require.NoError(t, err)
	defer list.Close()
	waitFor(t, list, loaded)

	list.Select("1", "2")
	m, err := list.DeleteMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []recordsync.ID{"1", "2"}, m.IDs())

	s := list.State()
	assert.Empty(t, s.SelectedIDs)
	assert.Equal(t, []interface{}{"Again"}, titles(s.Records))
	assert.False(t, s.Saving, "undoable writes do not block the view")

	require.NoError(t, m.Cancel())
	s = waitFor(t, list, func(s controller.State) bool { return len(s.Records) == 3 })
	assert.NoError(t, s.MutationError)
	assert.Zero(t, provider.Calls(memory.OpDeleteMany))
}

func TestListController_UpdateMany(t *testing.T) {
	client, provider := setupClient(t, recordsync.Optimistic)
	list, err := controller.NewList(client, "posts", controller.ListOptions{})
	require.NoError(t, err)
	defer list.Close()
	waitFor(t, list, loaded)

	m, err := list.UpdateMany(context.Background(), []recordsync.ID{"2", "3"}, recordsync.Record{"views": 0})
	require.NoError(t, err)
	_, err = m.Wait(context.Background())
	require.NoError(t, err)

	for _, rec := range provider.Records("posts")[1:] {
		assert.Equal(t, 0, rec["views"])
	}
	s := waitFor(t, list, loaded)
	assert.Equal(t, 0, s.Records[1]["views"])
}

func TestController_SubscribeDeliversInOrder(t *testing.T) {
	client, _ := setupClient(t, recordsync.Undoable)
	list, err := controller.NewList(client, "posts", controller.ListOptions{})
	require.NoError(t, err)
	defer list.Close()

	var mu sync.Mutex
	var versions []uint64
	unsubscribe := list.Subscribe(func(s controller.State) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, s.Version)
	})
	mu.Lock()
	require.NotEmpty(t, versions, "current state is delivered on subscribe")
	mu.Unlock()

	waitFor(t, list, loaded)
	list.Select("1")
	unsubscribe()
	list.Select("2")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
	assert.Less(t, versions[len(versions)-1], list.State().Version, "no delivery after unsubscribe")
}

func TestShowController_NotFound(t *testing.T) {
	client, _ := setupClient(t, recordsync.Undoable)
	show, err := controller.NewShow(client, "posts", "42")
	require.NoError(t, err)
	defer show.Close()

	s := waitFor(t, show, func(s controller.State) bool { return s.Error != nil })
	assert.ErrorIs(t, s.Error, recordsync.ErrNotFound)
	assert.Nil(t, s.Record)
	assert.Equal(t, recordsync.ID("42"), show.ID())
}

func TestEditController_PessimisticSave(t *testing.T) {
	client, provider := setupClient(t, recordsync.Pessimistic)
	edit, err := controller.NewEdit(client, "posts", "1")
	require.NoError(t, err)
	defer edit.Close()
	waitFor(t, edit, loaded)

	release := provider.Block(memory.OpUpdate)
	m, err := edit.Save(context.Background(), recordsync.Record{"id": 1, "title": "Hello", "views": 11})
	require.NoError(t, err)
	assert.Equal(t, recordsync.Record{"views": 11}, m.Data(), "only changed fields are sent")
	assert.Equal(t, "Hello", m.Previous("1")["title"])

	s := edit.State()
	assert.True(t, s.Saving)
	assert.Equal(t, 10, s.Record["views"], "pessimistic saves are not projected")

	release()
	s = waitFor(t, edit, func(s controller.State) bool { return !s.Saving })
	assert.NoError(t, s.MutationError)
	assert.Equal(t, 11, s.Record["views"])
}

func TestEditController_FailedSave(t *testing.T) {
	client, provider := setupClient(t, recordsync.Optimistic)
	edit, err := controller.NewEdit(client, "posts", "2")
	require.NoError(t, err)
	defer edit.Close()
	waitFor(t, edit, loaded)

	provider.FailNext(memory.OpUpdate, errors.New("connection refused"))
	m, err := edit.Save(context.Background(), recordsync.Record{"title": "Nope"})
	require.NoError(t, err)
	_, err = m.Wait(context.Background())
	require.Error(t, err)

	s := waitFor(t, edit, func(s controller.State) bool { return s.MutationError != nil })
	assert.ErrorIs(t, s.MutationError, recordsync.ErrNetworkFailure)
	assert.Equal(t, "World", s.Record["title"])
	assert.NoError(t, s.Error, "write failures do not mark the read as failed")
}

func TestEditController_Delete(t *testing.T) {
	client, provider := setupClient(t, recordsync.Undoable)
	edit, err := controller.NewEdit(client, "posts", "3")
	require.NoError(t, err)
	defer edit.Close()
	waitFor(t, edit, loaded)

	m, err := edit.Delete(context.Background(), recordsync.WithUndoDelay(0))
	require.NoError(t, err)
	_, err = m.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, provider.Records("posts"), 2)
	assert.Equal(t, "Again", m.Previous("3")["title"])
}

func TestCreateController(t *testing.T) {
	client, provider := setupClient(t, recordsync.Pessimistic)
	create := controller.NewCreate(client, "posts", recordsync.Record{"published": false, "views": 0})
	defer create.Close()

	s := create.State()
	assert.Equal(t, recordsync.Record{"published": false, "views": 0}, s.Record)
	assert.False(t, s.IsLoading, "nothing to load")

	m, err := create.Save(context.Background(), recordsync.Record{"title": "Draft"})
	require.NoError(t, err)
	res, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recordsync.ID("4"), res.Record.ID())
	assert.Equal(t, "Draft", provider.Records("posts")[3]["title"])
	assert.Equal(t, false, provider.Records("posts")[3]["published"])

	waitFor(t, create, func(s controller.State) bool { return !s.Saving })
}

func TestCloneController(t *testing.T) {
	client, _ := setupClient(t, recordsync.Pessimistic)
	source := recordsync.Record{"id": 1, "title": "Hello", "views": 10}
	clone := controller.NewClone(client, "posts", source)
	defer clone.Close()

	assert.Equal(t, recordsync.Record{"title": "Hello", "views": 10}, clone.Defaults())
	assert.Equal(t, 1, source["id"], "source is not modified")

	m, err := clone.Save(context.Background(), recordsync.Record{"title": "Hello (copy)"})
	require.NoError(t, err)
	res, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello (copy)", res.Record["title"])
	assert.Equal(t, 10, res.Record["views"])
}

func TestController_Close(t *testing.T) {
	client, _ := setupClient(t, recordsync.Undoable)
	list, err := controller.NewList(client, "posts", controller.ListOptions{})
	require.NoError(t, err)
	edit, err := controller.NewEdit(client, "posts", "1")
	require.NoError(t, err)

	list.Close()
	list.Close()
	edit.Close()

	assert.ErrorIs(t, list.SetPage(2), controller.ErrClosed)
	_, err = list.DeleteMany(context.Background(), []recordsync.ID{"1"})
	assert.ErrorIs(t, err, controller.ErrClosed)
	_, err = edit.Save(context.Background(), recordsync.Record{"title": "x"})
	assert.ErrorIs(t, err, controller.ErrClosed)
}
