package store

import "github.com/NicolasHaas/gocall/pkg/model"

// CallLog is the persistence interface for call-history records.
// Implementations include the default SQLite store and an in-memory store
// used by tests and by servers running without a database.
type CallLog interface {
	// Close closes the underlying storage.
	Close() error

	// Append stores a terminal call record and fills in its assigned ID.
	Append(rec *model.CallRecord) error

	// List returns call records in insertion order. limit 0 returns all.
	List(limit int) ([]model.CallRecord, error)
}

// Compile-time checks.
var (
	_ CallLog = (*Store)(nil)
	_ CallLog = (*MemoryLog)(nil)
)
