package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrLockNoWait      = 3572
)

// openMySQL forces parseTime and UTC so LAST_UPDATE_TIMESTAMP scans as time.Time.
func openMySQL(cfg Config) (*sql.DB, error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	if mc.Timeout == 0 && cfg.ConnectTimeout > 0 {
		mc.Timeout = cfg.ConnectTimeout
	}
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("storage: mysql connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

func mysqlLockError(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	switch me.Number {
	case mysqlErrLockNoWait, mysqlErrLockWaitTimeout, mysqlErrDeadlock:
		return true
	}
	return false
}
