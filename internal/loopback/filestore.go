package loopback

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// FileStore is a Store backed by an O_DIRECT file. Callers hand it
// arbitrary byte ranges; the store aligns them to the direct-IO block
// size with a read-modify-write of the covering blocks.
type FileStore struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileStore opens (creating if needed) path for direct IO.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("loopback: open %s: %w", path, err)
	}
	return &FileStore{f: f}, nil
}

// WriteAt writes p at off. Unaligned edges are merged with the existing
// block content before the aligned write goes out.
func (fs *FileStore) WriteAt(p []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	const bs = int64(directio.BlockSize)
	start := off &^ (bs - 1)
	end := (off + int64(len(p)) + bs - 1) &^ (bs - 1)

	buf := directio.AlignedBlock(int(end - start))
	if _, err := fs.f.ReadAt(buf, start); err != nil && err != io.EOF {
		return 0, fmt.Errorf("loopback: read-modify %d+%d: %w", start, len(buf), err)
	}
	copy(buf[off-start:], p)

	if _, err := fs.f.WriteAt(buf, start); err != nil {
		return 0, fmt.Errorf("loopback: write %d+%d: %w", start, len(buf), err)
	}
	return len(p), nil
}

// ReadAt reads through the block-aligned file into p, zero-filling past
// the end of the file.
func (fs *FileStore) ReadAt(p []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	const bs = int64(directio.BlockSize)
	start := off &^ (bs - 1)
	end := (off + int64(len(p)) + bs - 1) &^ (bs - 1)

	buf := directio.AlignedBlock(int(end - start))
	if _, err := fs.f.ReadAt(buf, start); err != nil && err != io.EOF {
		return 0, err
	}
	copy(p, buf[off-start:])
	return len(p), nil
}

// Sync flushes device caches for earlier writes.
func (fs *FileStore) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return datasync(fs.f)
}

// Close closes the underlying file.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.f.Close()
}
