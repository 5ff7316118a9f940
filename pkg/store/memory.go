package store

import (
	"fmt"
	"sync"

	"github.com/NicolasHaas/gocall/pkg/model"
)

// MemoryLog is an in-memory CallLog. It backs tests and servers started
// without a database path; records are lost on restart by design.
type MemoryLog struct {
	mu      sync.RWMutex
	nextID  int64
	records []model.CallRecord
}

// NewMemory creates an empty in-memory call log.
func NewMemory() *MemoryLog {
	return &MemoryLog{nextID: 1}
}

// Close is a no-op for MemoryLog.
func (m *MemoryLog) Close() error {
	return nil
}

// Append stores a terminal call record and fills in its assigned ID.
func (m *MemoryLog) Append(rec *model.CallRecord) error {
	if err := model.ValidateUsername(rec.Caller); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	if err := model.ValidateUsername(rec.Target); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextID
	m.nextID++
	m.records = append(m.records, *rec)
	return nil
}

// List returns call records in insertion order. limit 0 returns all.
func (m *MemoryLog) List(limit int) ([]model.CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.CallRecord, n)
	copy(out, m.records[:n])
	return out, nil
}
