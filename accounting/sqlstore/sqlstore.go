// Package sqlstore is the accounting.Store backend grounded on
// database/sql plus a real driver, matching spec §11.2 / FreeRADIUS's
// rlm_sql driver family (original_source/src/modules/rlm_sql/drivers).
package sqlstore

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudwego/raddispatchd/accounting"
	"github.com/cloudwego/raddispatchd/concurrency/gopool"
)

// Store writes accounting.Records to a SQL table through a dedicated
// goroutine pool so the calling worker never blocks on I/O (spec §11.2:
// "Writes run on the shared concurrency/gopool-style goroutine pool...
// so the worker thread proper never blocks on SQL I/O").
type Store struct {
	db   *sql.DB
	pool *gopool.GoPool
}

// Open creates the accounting table if absent and returns a ready Store.
// dataSourceName follows mattn/go-sqlite3's DSN conventions (a file path,
// or ":memory:").
func Open(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	const schema = `CREATE TABLE IF NOT EXISTS radacct (
		nas_ip_address TEXT,
		user_name TEXT,
		status_type TEXT,
		acct_time INTEGER
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:   db,
		pool: gopool.NewGoPool("accounting-sqlstore", nil),
	}, nil
}

// Write implements accounting.Store.
func (s *Store) Write(ctx context.Context, rec accounting.Record) <-chan error {
	done := make(chan error, 1)
	s.pool.CtxGo(ctx, func() {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO radacct (nas_ip_address, user_name, status_type, acct_time) VALUES (?, ?, ?, ?)`,
			rec.NASIPAddress, rec.UserName, rec.StatusType, rec.Timestamp)
		done <- err
	})
	return done
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
