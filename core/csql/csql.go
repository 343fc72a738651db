/*Package csql opens the embedded relational store used by the record engine.

The store is a single sqlite database per process. All system tables carry
the reserved "_" prefix; user collections own one physical table each.
*/
package csql

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // load the embedded sqlite driver
)

// DB encapsulates a standard sql.DB for the embedded store
type DB struct {
	*sql.DB
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// Open opens the embedded database at the given data source. Foreign key
// enforcement is part of the data source options so it applies to every
// pooled connection.
func Open(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("cannot open embedded database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("cannot ping embedded database: %w", err)
	}
	return &DB{DB: db}, nil
}

// MustOpen is like Open but panics on failure. Intended for service
// bootstrap, where a missing database is fatal anyway.
func MustOpen(dataSourceName string) *DB {
	db, err := Open(dataSourceName)
	if err != nil {
		panic(err)
	}
	return db
}

// OpenTest opens a private in-memory database. Each call returns a fresh,
// empty store. The connection pool is capped at one connection so the
// in-memory database survives for the lifetime of the pool.
func OpenTest() *DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=on", uuid.NewString())
	db := MustOpen(dsn)
	db.SetMaxOpenConns(1)
	return db
}
