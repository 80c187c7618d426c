package jobs

import (
	"context"
	"sync"
)

// HistoryStore persists completed run records. Stores are bounded: once
// capacity is reached the oldest records are evicted.
type HistoryStore interface {
	// Append records one completed run.
	Append(ctx context.Context, run *JobRun) error
	// Recent returns up to limit records, newest first. A non-positive
	// limit returns everything retained.
	Recent(ctx context.Context, limit int) ([]JobRun, error)
	// Latest returns the most recent record for the named job, or nil
	// when the job has never run within the retained window.
	Latest(ctx context.Context, name string) (*JobRun, error)
	// Close releases any underlying resources.
	Close() error
}

// MemoryHistory is an in-process bounded ring of run records.
type MemoryHistory struct {
	mu       sync.RWMutex
	runs     []JobRun // newest first
	capacity int
}

// NewMemoryHistory creates a memory-backed history with the given
// capacity.
func NewMemoryHistory(capacity int) *MemoryHistory {
	return &MemoryHistory{capacity: capacity}
}

// Append records the run, evicting the oldest record beyond capacity.
func (h *MemoryHistory) Append(_ context.Context, run *JobRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs = append([]JobRun{*run}, h.runs...)
	if h.capacity > 0 && len(h.runs) > h.capacity {
		h.runs = h.runs[:h.capacity]
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (h *MemoryHistory) Recent(_ context.Context, limit int) ([]JobRun, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.runs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]JobRun, n)
	copy(out, h.runs[:n])
	return out, nil
}

// Latest returns the newest record for the named job, or nil.
func (h *MemoryHistory) Latest(_ context.Context, name string) (*JobRun, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := range h.runs {
		if h.runs[i].Name == name {
			run := h.runs[i]
			return &run, nil
		}
	}
	return nil, nil
}

// Close is a no-op for the memory backend.
func (h *MemoryHistory) Close() error {
	return nil
}
