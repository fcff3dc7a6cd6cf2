// Package store implements typed persistence for every sep2 domain entity:
// sites, DERs, DOEs, tariff rates, readings, subscriptions, responses, and
// log events. Site, DER-facet and DOE updates and the site delete cascade
// first preserve the prior state via internal/archive, inside the same
// transaction. Reading ingest, reading-type upserts and deletes, and
// subscription deletes write without an archive copy.
//
// Table/column names follow §3 of the domain model directly; DDL and
// migrations are an external concern — this package only ever issues DML
// against a schema assumed to already exist.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a connection pool and exposes the transactional helper every
// store method builds on.
type DB struct {
	Pool *pgxpool.Pool
}

// New builds a DB around an already-configured pool (see internal/config
// for DSN resolution).
func New(pool *pgxpool.Pool) *DB {
	return &DB{Pool: pool}
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error — the unit of atomicity archive writes and
// their mutations share, per spec.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}

	return nil
}

func isNoRows(err error) bool {
	return err == pgx.ErrNoRows
}
