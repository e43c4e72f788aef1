package controller

import (
	"context"

	"github.com/burugo/recordsync"
)

// ShowController displays one record. A missing record surfaces as an
// Error matching recordsync.ErrNotFound.
type ShowController struct {
	*base
	id recordsync.ID
}

// NewShow creates a show controller for resource/id.
func NewShow(client *recordsync.Client, resource string, id recordsync.ID) (*ShowController, error) {
	c := &ShowController{base: newBase(client, resource, "show"), id: id}
	if err := c.watch(recordsync.OneKey(resource, id)); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the displayed record id.
func (c *ShowController) ID() recordsync.ID { return c.id }

// EditController displays one record and saves changes to it.
type EditController struct {
	*ShowController
}

// NewEdit creates an edit controller for resource/id.
func NewEdit(client *recordsync.Client, resource string, id recordsync.ID) (*EditController, error) {
	show, err := NewShow(client, resource, id)
	if err != nil {
		return nil, err
	}
	return &EditController{ShowController: show}, nil
}

// Save updates the record with the fields of patch that differ from the
// displayed version. Saving stays set until a pessimistic save resolves.
func (c *EditController) Save(ctx context.Context, patch recordsync.Record, opts ...recordsync.MutateOption) (*recordsync.Mutation, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	previous := c.State().Record
	data := patch
	if previous != nil {
		data = patch.Diff(previous)
	}
	opts = append([]recordsync.MutateOption{recordsync.WithPreviousData(previous)}, opts...)
	m, err := c.client.Update(ctx, c.resource, c.id, data, opts...)
	if err != nil {
		return nil, err
	}
	c.track(m)
	return m, nil
}

// Delete removes the record.
func (c *EditController) Delete(ctx context.Context, opts ...recordsync.MutateOption) (*recordsync.Mutation, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	previous := c.State().Record
	opts = append([]recordsync.MutateOption{recordsync.WithPreviousData(previous)}, opts...)
	m, err := c.client.Delete(ctx, c.resource, c.id, opts...)
	if err != nil {
		return nil, err
	}
	c.track(m)
	return m, nil
}

// CreateController holds the initial values of a creation form and saves
// new records. It does not subscribe to any query.
type CreateController struct {
	*base
	defaults recordsync.Record
}

// NewCreate creates a creation controller with form defaults.
func NewCreate(client *recordsync.Client, resource string, defaults recordsync.Record) *CreateController {
	c := &CreateController{base: newBase(client, resource, "create"), defaults: defaults.Clone()}
	c.base.derive = func(s *State) { s.Record = c.defaults }
	return c
}

// NewClone creates a creation controller seeded from source without its id.
func NewClone(client *recordsync.Client, resource string, source recordsync.Record) *CreateController {
	return NewCreate(client, resource, source.Without(recordsync.IDField))
}

// Defaults returns the form initial values.
func (c *CreateController) Defaults() recordsync.Record { return c.defaults.Clone() }

// Save creates a record from the defaults overlaid with data.
func (c *CreateController) Save(ctx context.Context, data recordsync.Record, opts ...recordsync.MutateOption) (*recordsync.Mutation, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	m, err := c.client.Create(ctx, c.resource, c.defaults.Merge(data), opts...)
	if err != nil {
		return nil, err
	}
	c.track(m)
	return m, nil
}
