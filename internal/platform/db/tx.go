package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DBTxKey contextKey = "db_tx"

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// ContextWithTx returns a context whose repositories run inside tx.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// BeginFacilityTx starts a transaction scoped to the facility's schema. The
// caller commits or rolls back the returned tx.
func BeginFacilityTx(ctx context.Context, pool *pgxpool.Pool, facilityID string) (context.Context, pgx.Tx, error) {
	if !facilityIDPattern.MatchString(facilityID) {
		return ctx, nil, fmt.Errorf("invalid facility identifier: %s", facilityID)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", SchemaName(facilityID))); err != nil {
		_ = tx.Rollback(ctx)
		return ctx, nil, fmt.Errorf("set search_path: %w", err)
	}
	return ContextWithTx(ctx, tx), tx, nil
}
