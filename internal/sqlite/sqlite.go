// Package sqlite persists sources and articles through sqlx over a
// sqlite database.
package sqlite

import (
	"github.com/jmoiron/sqlx"
)

// Store is the repo surface over the database.
type Store struct {
	db *sqlx.DB
}

// New creates a Store over an already-open connection.
func New(dbx *sqlx.DB) *Store {
	return &Store{db: dbx}
}
