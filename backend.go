package encfs

import (
	"io"
	"sync"

	"github.com/absfs/absfs"
)

// Handle is the storage-level contract File needs from whatever backs an
// open encrypted file: positioned reads and writes, a length, and the
// ability to grow or shrink. It intentionally mirrors os.File's ReadAt/
// WriteAt/Truncate rather than absfs.File's Seek-based one, so File's own
// logic never has to reason about a shared seek cursor.
type Handle interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Size() (int64, error)
	Sync() error
	Close() error
}

// OSHandle adapts an absfs.File (which, per the absfs contract, exposes
// only Seek/Read/Write and not ReadAt/WriteAt) into a Handle by
// serializing seek-then-read and seek-then-write pairs under its own
// mutex. Wrapping absfs.File rather than *os.File keeps the engine
// backend-agnostic; tests run over memfs with no changes.
type OSHandle struct {
	mu sync.Mutex
	f  absfs.File
}

// NewOSHandle wraps f as a Handle.
func NewOSHandle(f absfs.File) *OSHandle {
	return &OSHandle{f: f}
}

func (h *OSHandle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(h.f, p)
}

func (h *OSHandle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return h.f.Write(p)
}

func (h *OSHandle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Truncate(size)
}

func (h *OSHandle) Size() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Seek(0, io.SeekEnd)
}

func (h *OSHandle) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Sync()
}

func (h *OSHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Close()
}
