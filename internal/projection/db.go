package projection

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbConn is satisfied by both *pgxpool.Pool and pgx.Tx. Every
// repository in this package is constructed against a dbConn rather
// than a concrete pool, so a command handler can hand it the same
// pgx.Tx its event-log append runs on — projection writes then commit
// atomically with the events that produced them.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconnTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgconnTag = interface{ RowsAffected() int64 }

type poolConn struct{ pool *pgxpool.Pool }

func (p poolConn) Exec(ctx context.Context, sql string, args ...any) (pgconnTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}
func (p poolConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}
func (p poolConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

type txConn struct{ tx pgx.Tx }

func (t txConn) Exec(ctx context.Context, sql string, args ...any) (pgconnTag, error) {
	return t.tx.Exec(ctx, sql, args...)
}
func (t txConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}
func (t txConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// Conn adapts a *pgxpool.Pool into a dbConn.
func Conn(pool *pgxpool.Pool) dbConn { return poolConn{pool} }

// TxConn adapts a pgx.Tx into a dbConn, so repositories can be
// constructed against an in-flight command transaction.
func TxConn(tx pgx.Tx) dbConn { return txConn{tx} }
