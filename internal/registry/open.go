package registry

import (
	"fmt"
	"log/slog"

	"chatbridge/internal/domain"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open returns the registry backend selected by driver.
func Open(driver, dbPath string, logger *slog.Logger) (domain.IdentityRegistry, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return NewSQLite(dbPath, logger)
	default:
		return nil, fmt.Errorf("unknown registry driver %q", driver)
	}
}
