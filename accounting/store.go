// Package accounting specifies the pluggable accounting-datastore
// collaborator excluded from the core engine by spec §1 ("Transport
// backends for accounting datastores: SQL drivers, files"), and ships one
// concrete backend against database/sql (see accounting/sqlstore).
package accounting

import "context"

// Record is one accounting event, the minimal shape rlm_sql-equivalent
// backends need to persist (original_source/src/modules/rlm_sql writes a
// row per Accounting-Request).
type Record struct {
	NASIPAddress string
	UserName     string
	StatusType   string
	Timestamp    int64
}

// Store is the accounting collaborator's interface. Write returns
// immediately with a channel that receives exactly one value (nil on
// success) once the write completes, letting callers (policy modules)
// yield on it instead of blocking the worker thread.
type Store interface {
	Write(ctx context.Context, rec Record) <-chan error
}
