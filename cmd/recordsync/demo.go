package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/burugo/recordsync"
)

type demoOptions struct {
	seed        bool
	undoDelay   time.Duration
	cancelAfter time.Duration
}

func newDemoCmd(opts *appOptions) *cobra.Command {
	d := demoOptions{}

	c := &cobra.Command{
		Use:   "demo",
		Short: "Run the read, rollback and undo scenarios against the posts table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if d.cancelAfter >= d.undoDelay {
				return fmt.Errorf("--cancel-after (%s) must be shorter than --undo-delay (%s)", d.cancelAfter, d.undoDelay)
			}
			a, cleanup, err := initializeApp(*opts)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			if d.seed {
				if err := seedPosts(ctx, a, 5, true); err != nil {
					return err
				}
			}
			return runDemo(ctx, cmd.OutOrStdout(), a, d)
		},
	}
	c.Flags().BoolVar(&d.seed, "seed", true, "reseed the posts table before running")
	c.Flags().DurationVar(&d.undoDelay, "undo-delay", 3*time.Second, "undo window of the cancelled delete")
	c.Flags().DurationVar(&d.cancelAfter, "cancel-after", 2*time.Second, "when the cancelled delete is undone")
	return c
}

func runDemo(ctx context.Context, w io.Writer, a *app, d demoOptions) error {
	steps := []struct {
		name string
		run  func(context.Context, io.Writer, *app, demoOptions) error
	}{
		{"concurrent reads share one provider call", demoDedup},
		{"failed optimistic update rolls back", demoRollback},
		{"undoable delete cancelled inside its window", demoUndo},
		{"undoable delete without a window commits", demoCommit},
	}
	for i, step := range steps {
		fmt.Fprintf(w, "\n== %c. %s\n", 'A'+i, step.name)
		if err := step.run(ctx, w, a, d); err != nil {
			return fmt.Errorf("scenario %c: %w", 'A'+i, err)
		}
	}
	fmt.Fprintf(w, "\nstats: %v\n", a.Client.Stats().Counters)
	return nil
}

// countingProvider counts getOne calls and fails updates on demand.
type countingProvider struct {
	recordsync.DataProvider
	getOne     atomic.Int32
	failUpdate atomic.Bool
}

func (p *countingProvider) GetOne(ctx context.Context, resource string, id recordsync.ID) (recordsync.Record, error) {
	p.getOne.Add(1)
	// Keep the read in flight long enough for both callers to join it.
	time.Sleep(50 * time.Millisecond)
	return p.DataProvider.GetOne(ctx, resource, id)
}

func (p *countingProvider) Update(ctx context.Context, resource string, id recordsync.ID, data, previous recordsync.Record) (recordsync.Record, error) {
	if p.failUpdate.CompareAndSwap(true, false) {
		return nil, errors.New("connection reset by peer")
	}
	return p.DataProvider.Update(ctx, resource, id, data, previous)
}

func newScopedClient(a *app, provider recordsync.DataProvider, mode recordsync.MutationMode) (*recordsync.Client, error) {
	cfg := a.Client.Config()
	cfg.MutationMode = mode
	return recordsync.New(provider, cfg)
}

func demoDedup(ctx context.Context, w io.Writer, a *app, _ demoOptions) error {
	provider := &countingProvider{DataProvider: a.Provider}
	client, err := newScopedClient(a, provider, recordsync.Pessimistic)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	var first, second recordsync.Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		first, err = client.GetOne(gctx, demoResource, "1")
		return err
	})
	g.Go(func() (err error) {
		second, err = client.GetOne(gctx, demoResource, "1")
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(w, "caller 1: %v\ncaller 2: %v\nprovider getOne calls: %d\n", first, second, provider.getOne.Load())
	return nil
}

func demoRollback(ctx context.Context, w io.Writer, a *app, _ demoOptions) error {
	provider := &countingProvider{DataProvider: a.Provider}
	client, err := newScopedClient(a, provider, recordsync.Optimistic)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	before, err := client.GetOne(ctx, demoResource, "1")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "before:    %v\n", before["title"])

	provider.failUpdate.Store(true)
	m, err := client.Update(ctx, demoResource, "1", recordsync.Record{"title": "Renamed"})
	if err != nil {
		return err
	}
	snap, _ := client.Cache().Get(recordsync.OneKey(demoResource, "1"))
	fmt.Fprintf(w, "projected: %v\n", snap.Record()["title"])

	_, err = m.Wait(ctx)
	fmt.Fprintf(w, "error:     %v (network failure: %t)\n", err, errors.Is(err, recordsync.ErrNetworkFailure))
	snap, _ = client.Cache().Get(recordsync.OneKey(demoResource, "1"))
	fmt.Fprintf(w, "after:     %v\n", snap.Record()["title"])
	return nil
}

func demoUndo(ctx context.Context, w io.Writer, a *app, d demoOptions) error {
	list := recordsync.ListKey(demoResource, recordsync.ListParams{})
	unsubscribe, err := a.Client.Subscribe(list, func(s recordsync.Snapshot) {
		if s.Status == recordsync.StatusSuccess {
			fmt.Fprintf(w, "  list: %d of %d posts\n", len(s.Records()), s.Data.Total)
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribe()
	if _, err := a.Client.Cache().Fetch(ctx, list); err != nil {
		return err
	}

	m, err := a.Client.Delete(ctx, demoResource, "1",
		recordsync.WithMode(recordsync.Undoable), recordsync.WithUndoDelay(d.undoDelay))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "deleted post 1, commit at %s\n", m.Deadline().Format(time.TimeOnly))

	time.Sleep(d.cancelAfter)
	if err := m.Cancel(); err != nil {
		return err
	}
	_, err = m.Wait(ctx)
	fmt.Fprintf(w, "cancelled after %s: %v\n", d.cancelAfter, err)

	rec, err := a.Provider.GetOne(ctx, demoResource, "1")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "post 1 still stored: %v\n", rec["title"])
	return nil
}

func demoCommit(ctx context.Context, w io.Writer, a *app, _ demoOptions) error {
	list := recordsync.ListKey(demoResource, recordsync.ListParams{})
	refetched := make(chan recordsync.Snapshot, 16)
	unsubscribe, err := a.Client.Subscribe(list, func(s recordsync.Snapshot) {
		if s.Status == recordsync.StatusSuccess && !s.IsFetching {
			select {
			case refetched <- s:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	m, err := a.Client.Delete(ctx, demoResource, "1",
		recordsync.WithMode(recordsync.Undoable), recordsync.WithUndoDelay(0))
	if err != nil {
		return err
	}
	if _, err := m.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "delete committed: %s\n", m.State())

	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-refetched:
			if !containsID(s.Records(), "1") && !s.IsStale {
				fmt.Fprintf(w, "list without post 1: %d posts\n", len(s.Records()))
				return nil
			}
		case <-timeout:
			return errors.New("list was not refreshed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func containsID(records []recordsync.Record, id recordsync.ID) bool {
	for _, rec := range records {
		if rec.ID() == id {
			return true
		}
	}
	return false
}
