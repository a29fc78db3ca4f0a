package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// TxOptions bounds every transactional unit. Retries apply only to transient
// transport failures, never to domain or constraint errors.
type TxOptions struct {
	Timeout time.Duration
	Retries int
}

func DefaultTxOptions() TxOptions {
	return TxOptions{Timeout: 10 * time.Second, Retries: 2}
}

// WithTx runs fn inside a transaction against a Store bound to that
// transaction. All writes made through the bound Store commit together or
// not at all.
func (s *Store) WithTx(ctx context.Context, label string, fn func(tx *Store) error) error {
	attempts := s.txOpts.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = s.runTx(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("tx %s exhausted retries: %w", label, lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *Store) error) error {
	txCtx, cancel := context.WithTimeout(ctx, s.txOpts.Timeout)
	defer cancel()

	tx, err := s.db.BeginTx(txCtx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(s.bind(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isTransient recognizes connection-class and serialization failures worth a
// retry. Pg class 08 is connection_exception; 40001/40P01 are serialization
// failure and deadlock.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
