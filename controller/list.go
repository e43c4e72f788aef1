package controller

import (
	"context"
	"sort"

	"github.com/burugo/recordsync"
)

// ListOptions are the initial parameters of a list view.
type ListOptions struct {
	Page    int
	PerPage int
	Sort    recordsync.Sort
	Filter  map[string]interface{}
}

// ListController drives a paginated, sorted and filtered list with a
// selection for bulk actions.
type ListController struct {
	*base

	// guarded by base.mu
	params    recordsync.ListParams
	displayed map[string]bool
	selected  map[recordsync.ID]struct{}
}

// NewList creates a list controller and subscribes to its first page.
func NewList(client *recordsync.Client, resource string, opts ListOptions) (*ListController, error) {
	c := &ListController{
		base: newBase(client, resource, "list"),
		params: recordsync.ListParams{
			Pagination: recordsync.Pagination{Page: opts.Page, PerPage: opts.PerPage},
			Sort:       opts.Sort,
			Filter:     copyFilter(opts.Filter),
		},
		displayed: make(map[string]bool),
		selected:  make(map[recordsync.ID]struct{}),
	}
	for name := range opts.Filter {
		c.displayed[name] = true
	}
	c.base.derive = c.fill
	if err := c.watch(recordsync.ListKey(resource, c.params)); err != nil {
		return nil, err
	}
	return c, nil
}

func copyFilter(filter map[string]interface{}) map[string]interface{} {
	if len(filter) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(filter))
	for k, v := range filter {
		out[k] = v
	}
	return out
}

func (c *ListController) fill(s *State) {
	key := recordsync.ListKey(c.resource, c.params)
	s.Page = key.List.Pagination.Page
	s.PerPage = key.List.Pagination.PerPage
	s.Sort = key.List.Sort
	s.Filter = copyFilter(c.params.Filter)
	s.DisplayedFilters = make(map[string]bool, len(c.displayed))
	for name, shown := range c.displayed {
		s.DisplayedFilters[name] = shown
	}
	s.HasPreviousPage = s.Page > 1
	s.HasNextPage = s.Page*s.PerPage < s.Total
	s.SelectedIDs = make([]recordsync.ID, 0, len(c.selected))
	for id := range c.selected {
		s.SelectedIDs = append(s.SelectedIDs, id)
	}
	sort.Slice(s.SelectedIDs, func(i, j int) bool { return s.SelectedIDs[i] < s.SelectedIDs[j] })
}

// setParams applies fn to the list parameters and resubscribes.
func (c *ListController) setParams(fn func(p *recordsync.ListParams)) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	fn(&c.params)
	key := recordsync.ListKey(c.resource, c.params)
	c.mu.Unlock()
	return c.watch(key)
}

// SetPage moves to page.
func (c *ListController) SetPage(page int) error {
	return c.setParams(func(p *recordsync.ListParams) { p.Pagination.Page = page })
}

// SetPerPage changes the page size and returns to the first page.
func (c *ListController) SetPerPage(perPage int) error {
	return c.setParams(func(p *recordsync.ListParams) {
		p.Pagination.PerPage = perPage
		p.Pagination.Page = 1
	})
}

// SetSort orders the list by field. An empty order toggles the current
// order when field is already the sort field and means ascending otherwise.
func (c *ListController) SetSort(field string, order recordsync.SortOrder) error {
	return c.setParams(func(p *recordsync.ListParams) {
		if order == "" {
			order = recordsync.SortAsc
			if p.Sort.Field == field && p.Sort.Order != recordsync.SortDesc {
				order = recordsync.SortDesc
			}
		}
		p.Sort = recordsync.Sort{Field: field, Order: order}
		p.Pagination.Page = 1
	})
}

// SetFilters replaces the filter values and returns to the first page.
func (c *ListController) SetFilters(filter map[string]interface{}) error {
	return c.setParams(func(p *recordsync.ListParams) {
		p.Filter = copyFilter(filter)
		p.Pagination.Page = 1
		for name := range filter {
			c.displayed[name] = true
		}
	})
}

// ShowFilter displays a filter input, applying defaultValue when it is not
// nil.
func (c *ListController) ShowFilter(name string, defaultValue interface{}) error {
	return c.setParams(func(p *recordsync.ListParams) {
		c.displayed[name] = true
		if defaultValue != nil {
			if p.Filter == nil {
				p.Filter = make(map[string]interface{})
			}
			p.Filter[name] = defaultValue
			p.Pagination.Page = 1
		}
	})
}

// HideFilter removes a filter input and its value.
func (c *ListController) HideFilter(name string) error {
	return c.setParams(func(p *recordsync.ListParams) {
		delete(c.displayed, name)
		if _, ok := p.Filter[name]; ok {
			p.Filter = copyFilter(p.Filter)
			delete(p.Filter, name)
			p.Pagination.Page = 1
		}
	})
}

// Select adds ids to the selection.
func (c *ListController) Select(ids ...recordsync.ID) {
	c.update(func() {
		for _, id := range ids {
			c.selected[id] = struct{}{}
		}
	})
}

// Toggle flips the selection of id.
func (c *ListController) Toggle(id recordsync.ID) {
	c.update(func() {
		if _, ok := c.selected[id]; ok {
			delete(c.selected, id)
			return
		}
		c.selected[id] = struct{}{}
	})
}

// Unselect removes ids from the selection.
func (c *ListController) Unselect(ids ...recordsync.ID) {
	c.update(func() {
		for _, id := range ids {
			delete(c.selected, id)
		}
	})
}

// ClearSelection empties the selection.
func (c *ListController) ClearSelection() {
	c.update(func() { c.selected = make(map[recordsync.ID]struct{}) })
}

func (c *ListController) targets(ids []recordsync.ID) []recordsync.ID {
	if len(ids) > 0 {
		return ids
	}
	return c.State().SelectedIDs
}

// DeleteMany deletes ids, or the selection when ids is empty. The deleted ids
// leave the selection right away.
func (c *ListController) DeleteMany(ctx context.Context, ids []recordsync.ID, opts ...recordsync.MutateOption) (*recordsync.Mutation, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	ids = c.targets(ids)
	m, err := c.client.DeleteMany(ctx, c.resource, ids, opts...)
	if err != nil {
		return nil, err
	}
	c.Unselect(ids...)
	c.track(m)
	return m, nil
}

// UpdateMany applies data to ids, or to the selection when ids is empty.
func (c *ListController) UpdateMany(ctx context.Context, ids []recordsync.ID, data recordsync.Record, opts ...recordsync.MutateOption) (*recordsync.Mutation, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	ids = c.targets(ids)
	m, err := c.client.UpdateMany(ctx, c.resource, ids, data, opts...)
	if err != nil {
		return nil, err
	}
	c.Unselect(ids...)
	c.track(m)
	return m, nil
}
