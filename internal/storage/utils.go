package storage

import (
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// InitStore opens the Postgres store when dbConnStr is set and the in-memory store otherwise.
func InitStore(dbConnStr string) (storage.Store, error) {
	if dbConnStr == "" {
		return storage.NewMemoryStore(), nil
	}
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Migrate applies every pending migration from sourceURL, e.g. "file://migrations".
func Migrate(dbConnStr, sourceURL string) error {
	m, err := migrate.New(sourceURL, dbConnStr)
	if err != nil {
		return errors.Wrap(err, "failed to initialize migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to apply migrations")
	}
	return nil
}
