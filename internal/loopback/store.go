package loopback

import "sync"

// Store is the durable backing behind one file on the Server. WriteAt
// must tolerate sparse writes past the current end; Sync must not
// return until earlier writes are stable.
type Store interface {
	WriteAt(p []byte, off int64) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

// MemStore is a Store backed by a growing byte slice. Sync is a no-op;
// tests treat the slice as stable storage.
type MemStore struct {
	mu    sync.Mutex
	data  []byte
	syncs int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore { return &MemStore{} }

// WriteAt copies p into the store at off, growing it as needed.
func (m *MemStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if int64(len(m.data)) < end {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

// ReadAt copies from the store into p. Reads past the end are
// zero-filled, matching a sparse file.
func (m *MemStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range p {
		p[i] = 0
	}
	if off < int64(len(m.data)) {
		copy(p, m.data[off:])
	}
	return len(p), nil
}

// Sync counts sync calls; the data is already "stable".
func (m *MemStore) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	return nil
}

// Close releases nothing.
func (m *MemStore) Close() error { return nil }

// Bytes returns a copy of the stored content.
func (m *MemStore) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Syncs reports how many Sync calls the store has seen.
func (m *MemStore) Syncs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}
