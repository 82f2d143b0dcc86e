package main

import (
	"context"
	"database/sql"

	"github.com/jjeffery/errors"
	"github.com/jjeffery/ddbsessions/config"
	"github.com/jjeffery/ddbsessions/storage"
	"github.com/jjeffery/ddbsessions/storage/dynamodb"
	"github.com/jjeffery/ddbsessions/storage/memory"
	"github.com/jjeffery/ddbsessions/storage/postgres"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// tableDropper is implemented by providers that can delete their table.
type tableDropper interface {
	DropTable(ctx context.Context) error
}

// purger is implemented by providers without a native expiry mechanism.
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// openProvider returns the provider selected by cfg, and a function that
// releases its resources. The DynamoDB provider is opened without background
// provisioning: the ensure-table command creates the table explicitly.
func openProvider(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (storage.Provider, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(cfg.DynamoDB.Key, cfg.DynamoDB.TTLKey), nopClose, nil
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "cannot open postgres database")
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, errors.Wrap(err, "cannot connect to postgres database")
		}
		opts := cfg.Postgres.Options()
		opts.Logger = logger
		return postgres.New(db, opts), db.Close, nil
	default:
		opts := cfg.DynamoDB.Options()
		opts.Logger = logger
		opts.SkipProvisioning = true
		p, err := dynamodb.New(opts)
		if err != nil {
			return nil, nil, err
		}
		return p, nopClose, nil
	}
}

func nopClose() error {
	return nil
}
