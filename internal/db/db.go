// Package db is the query layer over the email schema. It follows the sqlc
// layout: a DBTX that is satisfied by both *sql.DB and *sql.Tx, a Queries
// type holding it, and a Querier interface listing every query so callers can
// substitute a stub.
package db

import (
	"context"
	"database/sql"
	"embed"
)

// Migrations holds the golang-migrate SQL files applied at startup.
//
//go:embed migrations/*.sql
var Migrations embed.FS

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

// WithTx returns a Queries bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// scanner is the common subset of *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}
