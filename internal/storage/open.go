package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	logx "jobmanager/pkg/logx"
)

// Open opens and pings the configured database once.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	d, ok := DialectFor(cfg.Driver)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}

	var (
		db  *sql.DB
		err error
	)
	switch d.Name {
	case MySQL.Name:
		db, err = openMySQL(cfg)
	case Postgres.Name:
		db, err = openPostgres(cfg)
	case SQLite.Name:
		db, err = openSQLite(cfg)
	}
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 && d.Name != SQLite.Name {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	pctx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", d.Name, err)
	}
	return New(db, d, cfg.WorkspaceSchema), nil
}

// Connect opens the database, retrying every retryEvery until it succeeds or
// ctx is done. Failures are logged and never returned except on ctx end.
func Connect(ctx context.Context, cfg Config, log logx.Logger, retryEvery time.Duration) (*DB, error) {
	if retryEvery <= 0 {
		retryEvery = 5 * time.Second
	}
	var db *DB
	op := func() error {
		d, err := Open(ctx, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		db = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Error("db connect failed", logx.String("driver", cfg.Driver), logx.Err(err), logx.Duration("retry_in", wait))
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(retryEvery), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return db, nil
}

// Reconnect retires old (if any) and connects again. Jobs still holding
// old keep using it until they release it.
func Reconnect(ctx context.Context, old *DB, cfg Config, log logx.Logger, retryEvery time.Duration) (*DB, error) {
	if old != nil && old.DB != nil {
		if err := old.Retire(); err != nil {
			log.Debug("db close failed", logx.Err(err))
		}
	}
	return Connect(ctx, cfg, log, retryEvery)
}
