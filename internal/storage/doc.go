// Package storage is the optional persistence layer: the dispatch audit
// trail and, for SQL drivers, the sender directory used by routing.
//
// Drivers:
//   - "file": JSON Lines audit, rotated by size and age
//   - "sqlite": modernc.org/sqlite, no cgo
//   - "postgres": lib/pq
//   - "mysql": go-sql-driver/mysql
//
// Nothing here is read back to decide whether a message was already alerted.
package storage
