// Package storage persists engine state and the operator audit trail.
//
// Drivers:
//   - file: JSON snapshot written atomically, audit as JSON Lines
//   - sqlite: single database file (modernc.org/sqlite, no cgo)
//   - redis: list + hash keys under a prefix
package storage
