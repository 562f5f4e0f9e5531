package disk

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xlgjjff/torrentcore/internal/ambient/log"
)

var filePoolLogger = log.Named("disk/filepool")

// pooledHandle wraps an *os.File with a reference count so the pool
// never closes a handle that is currently locked by an in-flight
// readv/writev.
type pooledHandle struct {
	mu    sync.Mutex
	file  *os.File
	inUse int
	path  string
}

func (h *pooledHandle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	h.inUse++
	h.mu.Unlock()
	defer h.release()
	return h.file.ReadAt(p, off)
}

func (h *pooledHandle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	h.inUse++
	h.mu.Unlock()
	defer h.release()
	return h.file.WriteAt(p, off)
}

func (h *pooledHandle) release() {
	h.mu.Lock()
	h.inUse--
	h.mu.Unlock()
}

// Close is a no-op from the caller's perspective: the pool owns the
// lifetime of the underlying *os.File and closes it on eviction.
func (h *pooledHandle) Close() error { return nil }

func (h *pooledHandle) locked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse > 0
}

// FilePool is a bounded LRU of open file handles shared across
// torrents. Backed by
// hashicorp/golang-lru/v2, whose eviction callback re-inserts a handle
// that is still locked by an in-flight I/O instead of closing it out
// from under the caller.
type FilePool struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, *pooledHandle]
	byDir  map[string][]string // dir -> paths, for ReleaseForDir
}

// NewFilePool builds a pool bounded at size open handles.
func NewFilePool(size int) *FilePool {
	fp := &FilePool{byDir: make(map[string][]string)}
	cache, err := lru.NewWithEvict[string, *pooledHandle](size, fp.onEvict)
	if err != nil {
		// size <= 0 is a caller bug; fall back to a minimal usable pool.
		cache, _ = lru.NewWithEvict[string, *pooledHandle](1, fp.onEvict)
	}
	fp.cache = cache
	return fp
}

func (fp *FilePool) onEvict(path string, h *pooledHandle) {
	if h.locked() {
		// Never close a handle mid-syscall: put it back.
		// This briefly makes the pool exceed its nominal bound, which
		// is preferable to racing an in-flight readv/writev.
		fp.cache.Add(path, h)
		filePoolLogger.Debug("deferred eviction of locked handle", "path", path)
		return
	}
	_ = h.file.Close()
}

// Open returns the pooled handle for path, opening it if necessary.
func (fp *FilePool) Open(path string) (FileHandle, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if h, ok := fp.cache.Get(path); ok {
		return h, nil
	}

	if err := os.MkdirAll(parentDir(path), 0o755); err != nil {
		return nil, NewError("open_file", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, NewError("open_file", path, err)
	}
	h := &pooledHandle{file: f, path: path}
	fp.cache.Add(path, h)
	dir := parentDir(path)
	fp.byDir[dir] = append(fp.byDir[dir], path)
	return h, nil
}

// ReleaseForDir evicts every handle opened under dir — used by
// release_files/delete_files. Unlocked handles are closed; a locked one
// is re-added by the eviction callback and stays open.
func (fp *FilePool) ReleaseForDir(dir string) {
	fp.mu.Lock()
	paths := fp.byDir[dir]
	delete(fp.byDir, dir)
	fp.mu.Unlock()

	for _, p := range paths {
		fp.mu.Lock()
		fp.cache.Remove(p)
		fp.mu.Unlock()
	}
}

// Len reports the number of handles currently pooled.
func (fp *FilePool) Len() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.cache.Len()
}

func parentDir(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return path[:i]
}
