package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const pqLockNotAvailable = "55P03"

func openPostgres(cfg Config) (*sql.DB, error) {
	connector, err := pq.NewConnector(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: postgres dsn: %w", err)
	}
	return sql.OpenDB(connector), nil
}

func postgresLockError(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && string(pe.Code) == pqLockNotAvailable
}
