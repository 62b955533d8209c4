package ledger

import (
	"context"
	"sync"
)

// MemoryIndex is an in-memory Index used by tests and offline dry
// runs. Entries are served back in insertion order with the same
// 1-based pagination as the HTTP client.
type MemoryIndex struct {
	mu      sync.RWMutex
	byLabel map[string][]LabeledMetadata
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{byLabel: make(map[string][]LabeledMetadata)}
}

// Add appends one transaction's metadata under a label.
func (m *MemoryIndex) Add(label string, entry LabeledMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byLabel[label] = append(m.byLabel[label], entry)
}

// MetadataByLabel returns the requested page, or an empty page past
// the end of the label's history.
func (m *MemoryIndex) MetadataByLabel(ctx context.Context, label string, page, count int) ([]LabeledMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 || count < 1 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.byLabel[label]
	start := (page - 1) * count
	if start >= len(entries) {
		return nil, nil
	}
	end := start + count
	if end > len(entries) {
		end = len(entries)
	}

	out := make([]LabeledMetadata, end-start)
	copy(out, entries[start:end])
	return out, nil
}
