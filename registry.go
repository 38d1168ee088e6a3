package encfs

import "sync"

// handleRegistry serializes size-changing operations (write, truncate,
// changeFileIv) across independent File handles that happen to refer to
// the same path, by handing out a refcounted per-path mutex. A path's
// lock entry is created on first acquire and removed once the last
// holder releases it, so the registry never accumulates an entry per
// path ever opened.
type handleRegistry struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu       sync.Mutex
	refCount int
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{entries: make(map[string]*lockEntry)}
}

// acquire returns a release function that must be called exactly once to
// unlock path and, if this was the last outstanding holder, remove its
// entry from the registry.
func (r *handleRegistry) acquire(path string) func() {
	r.mu.Lock()
	e, ok := r.entries[path]
	if !ok {
		e = &lockEntry{}
		r.entries[path] = e
	}
	e.refCount++
	r.mu.Unlock()

	e.mu.Lock()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		e.mu.Unlock()

		r.mu.Lock()
		e.refCount--
		if e.refCount == 0 {
			delete(r.entries, path)
		}
		r.mu.Unlock()
	}
}
