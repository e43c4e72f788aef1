//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/burugo/recordsync"
	"github.com/burugo/recordsync/providers/sqlite"
)

// initializeApp builds the logger, config, SQLite provider and client of a
// command. The returned cleanup closes them in reverse order.
func initializeApp(opts appOptions) (*app, func(), error) {
	wire.Build(
		provideLogger,
		provideConfig,
		provideSQLite,
		wire.Bind(new(recordsync.DataProvider), new(*sqlite.Provider)),
		provideClient,
		wire.Struct(new(app), "*"),
	)
	return nil, nil, nil
}
