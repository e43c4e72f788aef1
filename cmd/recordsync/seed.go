package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/burugo/recordsync"
)

const demoResource = "posts"

var postColumns = map[string]string{
	"title":     "TEXT NOT NULL",
	"body":      "TEXT",
	"views":     "INTEGER",
	"published": "INTEGER",
}

func newSeedCmd(opts *appOptions) *cobra.Command {
	var count int
	var reset bool

	c := &cobra.Command{
		Use:   "seed",
		Short: "Create the posts table and fill it with demo posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := initializeApp(*opts)
			if err != nil {
				return err
			}
			defer cleanup()
			return seedPosts(cmd.Context(), a, count, reset)
		},
	}
	c.Flags().IntVarP(&count, "count", "n", 10, "number of posts to create")
	c.Flags().BoolVar(&reset, "reset", true, "delete existing posts first")
	return c
}

func seedPosts(ctx context.Context, a *app, count int, reset bool) error {
	if err := a.Provider.EnsureTable(ctx, demoResource, postColumns); err != nil {
		return fmt.Errorf("creating %s table: %w", demoResource, err)
	}
	if reset {
		if _, err := a.Provider.DB().ExecContext(ctx, `DELETE FROM "posts"`); err != nil {
			return fmt.Errorf("resetting %s: %w", demoResource, err)
		}
		if _, err := a.Provider.DB().ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = ?`, demoResource); err != nil {
			a.Logger.Debug("no sequence to reset", zap.Error(err))
		}
	}

	for i := 1; i <= count; i++ {
		m, err := a.Client.Create(ctx, demoResource, recordsync.Record{
			"title":     fmt.Sprintf("Post %d", i),
			"body":      fmt.Sprintf("Body of post %d", i),
			"views":     i * 10,
			"published": i%2 == 0,
		}, recordsync.WithMode(recordsync.Pessimistic))
		if err != nil {
			return err
		}
		if _, err := m.Wait(ctx); err != nil {
			return fmt.Errorf("creating post %d: %w", i, err)
		}
	}
	a.Logger.Info("seeded posts", zap.String("db", a.Provider.DB().DriverName()), zap.Int("count", count))
	return nil
}
