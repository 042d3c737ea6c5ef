// Package store holds the database-agnostic pieces of the persistence layer:
// the DBTX abstraction shared by *sql.DB and *sql.Tx, the common store errors
// and the transaction helper. Concrete stores live in internal/platform.
package store
