//go:build !cgo

package store

// Keep the driver registered so sql.Open reports go-sqlite3's clear
// "requires cgo" error instead of "unknown driver".
import _ "github.com/mattn/go-sqlite3"

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
// Without cgo, go-sqlite3 is a stub whose driver cannot open a database, so no
// sqlite3.Error value can ever reach this function.
func isUniqueViolation(err error) bool {
	return false
}
