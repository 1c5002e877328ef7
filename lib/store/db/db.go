// Package db opens the configured store implementation.
package db

import (
	"github.com/pkg/errors"

	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/store/mongo"
	"github.com/custodia/cpg/lib/store/postgres"
)

// Supported database types.
const (
	MONGODB  = "mongodb"
	POSTGRES = "postgres"
)

// ErrNoImplement is returned when an unsupported database type is requested.
var ErrNoImplement = errors.New("not implemented database interface")

// New connects to the given database type with the given connection string.
func New(dbtype, conn string) (store.DB, error) {
	switch dbtype {
	case MONGODB:
		return mongo.New(conn)
	case POSTGRES:
		return postgres.New(conn)
	}

	return nil, errors.Wrap(ErrNoImplement, dbtype)
}

// Close terminates the connection to the database.
func Close(dbtype string, d store.DB) error {
	switch dbtype {
	case MONGODB:
		if m, ok := d.(*mongo.Mongo); ok {
			return m.CloseMongo()
		}
	case POSTGRES:
		if p, ok := d.(*postgres.Postgres); ok {
			return p.ClosePostgres()
		}
	}

	return errors.Wrap(ErrNoImplement, dbtype)
}
