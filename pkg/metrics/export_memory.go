package metrics

import "sync"

// MemoryBackend keeps exported snapshots in process memory, for local
// runs and tests that do not need an external dependency.
type MemoryBackend struct {
	mu        sync.Mutex
	snapshots []RoundSnapshot
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Export appends snapshot to the in-memory log.
func (b *MemoryBackend) Export(snapshot RoundSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, snapshot)
	return nil
}

// All returns every snapshot exported so far, in arrival order.
func (b *MemoryBackend) All() []RoundSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RoundSnapshot, len(b.snapshots))
	copy(out, b.snapshots)
	return out
}

// Close is a no-op; MemoryBackend owns no external resource.
func (b *MemoryBackend) Close() error { return nil }
