package repository

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound 记录不存在或已软删除
var ErrNotFound = errors.New("not found")

// DBTX *sql.DB 与 *sql.Tx 的公共子集，Repository 可在事务内外复用
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
