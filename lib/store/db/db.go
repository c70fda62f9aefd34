// Package db implements the opening and graceful closing of database connections.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/store/memory"
	"github.com/tarancss/custody/lib/store/mongo"
	"github.com/tarancss/custody/lib/store/postgres"
)

const (
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
	MEMORY   string = "memory"
)

// New returns a new database connection according to the options (database type). name selects the mongo database.
// The postgres schema is created if missing.
func New(options, connection, name string) (store.DB, error) {
	switch options {
	case MONGODB:
		return mongo.New(connection, name)
	case POSTGRES:
		p, err := postgres.New(connection)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second) //nolint:gomnd // schema creation
		defer cancel()
		if err = p.Migrate(ctx); err != nil {
			_ = p.ClosePostgres()
			return nil, err
		}
		return p, nil
	case MEMORY:
		return memory.New(), nil
	}

	return nil, fmt.Errorf("unknown database type %q", options)
}

// Close gracefully closes the database connection.
func Close(options string, dh store.DB) error {
	switch options {
	case MONGODB:
		return dh.(*mongo.Mongo).CloseMongo()
	case POSTGRES:
		return dh.(*postgres.Postgres).ClosePostgres()
	}

	return nil
}
