package core

import (
	"fmt"
	"os"

	"gencore/internal/infra/persistence/memory"
	"gencore/internal/infra/persistence/postgres"
	"gencore/internal/infra/persistence/sqlite"
	"gencore/pkg/domain"
)

const (
	envStorageDriver = "GENCORE_STORAGE_DRIVER"
	envSQLitePath    = "GENCORE_SQLITE_PATH"
	envPostgresDSN   = "GENCORE_POSTGRES_DSN"
)

// OpenPersistentStore selects a store backend from the environment. The
// default is the embedded sqlite file; memory is for tests and postgres for
// shared deployments.
func OpenPersistentStore() (domain.PersistentStore, error) {
	driver := os.Getenv(envStorageDriver)
	switch driver {
	case "", "sqlite":
		return sqlite.NewStore(os.Getenv(envSQLitePath))
	case "postgres":
		return postgres.NewStore(os.Getenv(envPostgresDSN))
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}
