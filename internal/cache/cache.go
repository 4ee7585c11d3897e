package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// SchemaVersion is stamped into every manifest. Bump it when the stored
// payload shape changes; readers treat a mismatch as a miss.
const SchemaVersion = "1"

const (
	payloadFile  = "payload.json"
	manifestFile = "manifest.json"
	lockFile     = "write.lock"
)

// Manifest records metadata for one cache entry.
type Manifest struct {
	SchemaVersion    string    `json:"schema_version"`
	ImageFingerprint string    `json:"image_fingerprint"`
	StepID           string    `json:"step_id"`
	ToolVersion      string    `json:"tool_version"`
	WrittenAt        time.Time `json:"written_at"`
}

// Entry is a stored normalized payload plus its manifest.
type Entry struct {
	Key      Key
	Payload  []byte
	Manifest Manifest
}

// Stats summarizes cache contents.
type Stats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// Cache is a content-addressed filesystem cache for normalized step
// results. One directory per entry, named by the key digest, holding the
// payload and a manifest.
//
// Write discipline: at most one writer per key. An in-process mutex map
// serializes goroutines; a file lock serializes processes. Payloads land
// via temp-file-plus-rename so readers never observe partial writes.
// Entries are immutable once written: the first writer wins and later
// writers for the same key are no-ops.
//
// I/O failures degrade to recomputation, never to step failure: Get
// returns a miss and Put returns an error the caller may log and ignore.
type Cache struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// CacheOption is a functional option for configuring the Cache.
type CacheOption func(*Cache)

// WithLogger configures the cache to use the specified structured logger.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Cache rooted at dir, creating it if needed.
func New(dir string, opts ...CacheOption) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.WrapError(types.CACHE_WRITE_FAILED, fmt.Sprintf("cannot create cache root %s", dir), err)
	}

	c := &Cache{
		root:   dir,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the entry for key, or ok=false on a miss. Corrupt or
// unreadable entries count as misses and are removed best-effort.
func (c *Cache) Get(key Key) (*Entry, bool) {
	dir := c.entryDir(key)

	manifestData, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, false
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		c.logger.Warn("removing corrupt cache manifest", "key", key.String(), "error", err)
		_ = os.RemoveAll(dir)
		return nil, false
	}

	if manifest.SchemaVersion != SchemaVersion {
		return nil, false
	}

	payload, err := os.ReadFile(filepath.Join(dir, payloadFile))
	if err != nil {
		c.logger.Warn("removing cache entry with unreadable payload", "key", key.String(), "error", err)
		_ = os.RemoveAll(dir)
		return nil, false
	}

	c.logger.Debug("cache hit", "key", key.String())
	return &Entry{Key: key, Payload: payload, Manifest: manifest}, true
}

// Put stores payload under key. The first writer wins: if the entry
// already exists the call is a no-op, keeping entries immutable.
func (c *Cache) Put(key Key, payload []byte) error {
	dir := c.entryDir(key)

	unlock := c.lockKey(key)
	defer unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.WrapError(types.CACHE_WRITE_FAILED, fmt.Sprintf("cannot create cache entry dir for %s", key.String()), err)
	}

	// Cross-process guard for the same key.
	fl := flock.New(filepath.Join(dir, lockFile))
	if err := fl.Lock(); err != nil {
		return types.WrapError(types.CACHE_WRITE_FAILED, fmt.Sprintf("cannot lock cache entry %s", key.String()), err)
	}
	defer fl.Unlock()

	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err == nil {
		// Entry already written; first writer wins.
		return nil
	}

	if err := writeFileAtomic(filepath.Join(dir, payloadFile), payload); err != nil {
		return types.WrapError(types.CACHE_WRITE_FAILED, fmt.Sprintf("cannot write cache payload for %s", key.String()), err)
	}

	manifest := Manifest{
		SchemaVersion:    SchemaVersion,
		ImageFingerprint: key.ImageFingerprint,
		StepID:           key.StepID,
		ToolVersion:      key.ToolVersion,
		WrittenAt:        time.Now().UTC(),
	}
	manifestData, err := json.Marshal(manifest)
	if err != nil {
		return types.WrapError(types.CACHE_WRITE_FAILED, "cannot encode cache manifest", err)
	}

	// Manifest lands last: its presence marks the entry complete.
	if err := writeFileAtomic(filepath.Join(dir, manifestFile), manifestData); err != nil {
		return types.WrapError(types.CACHE_WRITE_FAILED, fmt.Sprintf("cannot write cache manifest for %s", key.String()), err)
	}

	c.logger.Debug("cached result", "key", key.String(), "bytes", len(payload))
	return nil
}

// Invalidate removes every entry recorded against the given image
// fingerprint.
func (c *Cache) Invalidate(imageFingerprint string) error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return types.WrapError(types.CACHE_READ_FAILED, "cannot list cache root", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(c.root, entry.Name())

		manifestData, err := os.ReadFile(filepath.Join(dir, manifestFile))
		if err != nil {
			continue
		}
		var manifest Manifest
		if err := json.Unmarshal(manifestData, &manifest); err != nil {
			continue
		}
		if manifest.ImageFingerprint != imageFingerprint {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return types.WrapError(types.CACHE_WRITE_FAILED, fmt.Sprintf("cannot remove cache entry %s", entry.Name()), err)
		}
		removed++
	}

	c.logger.Debug("invalidated cache entries", "image_fingerprint", imageFingerprint, "removed", removed)
	return nil
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return types.WrapError(types.CACHE_READ_FAILED, "cannot list cache root", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, entry.Name())); err != nil {
			return types.WrapError(types.CACHE_WRITE_FAILED, "cannot clear cache", err)
		}
	}
	return nil
}

// Stats reports entry count and total payload bytes.
func (c *Cache) Stats() (Stats, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return Stats{}, types.WrapError(types.CACHE_READ_FAILED, "cannot list cache root", err)
	}

	var stats Stats
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(c.root, entry.Name(), payloadFile))
		if err != nil {
			continue
		}
		stats.Entries++
		stats.TotalBytes += info.Size()
	}
	return stats, nil
}

// entryDir returns the directory for a key.
func (c *Cache) entryDir(key Key) string {
	return filepath.Join(c.root, key.Digest())
}

// lockKey acquires the in-process mutex for a key digest and returns the
// release function. Mutexes are created on first use and retained; the key
// space per process run is small (one per workflow step).
func (c *Cache) lockKey(key Key) func() {
	digest := key.Digest()

	c.mu.Lock()
	m, ok := c.locks[digest]
	if !ok {
		m = &sync.Mutex{}
		c.locks[digest] = m
	}
	c.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so concurrent readers see either nothing or the
// complete file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
