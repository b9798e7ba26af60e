// Package modelcache implements a content-addressed, on-disk cache of
// downloaded model blobs: a JSON manifest protected by an inter-process
// advisory lock, LRU eviction against a byte/entry budget, atomic
// temp-file-then-rename writes, and deduplication of concurrent downloads
// for the same model id.
package modelcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/alantheprice/caro/internal/model"
)

// Cache manages model blobs under dir, evicting the least-recently-used
// entries once maxBytes or maxEntries is exceeded.
type Cache struct {
	dir        string
	maxBytes   int64
	maxEntries int
	group      singleflight.Group
	httpClient *http.Client
}

// New builds a Cache rooted at dir, creating it if necessary.
func New(dir string, maxBytes int64, maxEntries int) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:        dir,
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		httpClient: &http.Client{Timeout: 0}, // large downloads: no overall timeout, rely on ctx
	}, nil
}

func (c *Cache) manifestPath() string { return filepath.Join(c.dir, "manifest.json") }
func (c *Cache) lockPath() string     { return filepath.Join(c.dir, "manifest.lock") }

func (c *Cache) loadManifest() (*model.CacheManifest, error) {
	data, err := os.ReadFile(c.manifestPath())
	if os.IsNotExist(err) {
		return &model.CacheManifest{Version: model.ManifestVersion, Entries: map[string]model.CacheEntry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m model.CacheManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != model.ManifestVersion {
		return nil, &CacheError{Kind: Corruption, Err: fmt.Errorf("manifest version %d is not supported (expected %d)", m.Version, model.ManifestVersion)}
	}
	if m.Entries == nil {
		m.Entries = map[string]model.CacheEntry{}
	}
	return &m, nil
}

func (c *Cache) saveManifest(m *model.CacheManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, "manifest-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}
	return os.Rename(tmp.Name(), c.manifestPath())
}

// withLock runs fn while holding the exclusive manifest lock, retrying
// with exponential backoff up to a bounded total wait before failing with
// CacheError::Busy. The lock is acquired only for the duration of fn
// (a flush or atomic rename sequence), never across network I/O.
func (c *Cache) withLock(ctx context.Context, fn func() error) error {
	fl := flock.New(c.lockPath())
	backoff := 25 * time.Millisecond
	const maxBackoff = 400 * time.Millisecond
	deadline := time.Now().Add(2 * time.Second)
	for {
		locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
		if err != nil {
			return &CacheError{Kind: Busy, Err: fmt.Errorf("acquire cache lock: %w", err)}
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			return &CacheError{Kind: Busy, Err: fmt.Errorf("cache lock held by another process")}
		}
		select {
		case <-ctx.Done():
			return &CacheError{Kind: Busy, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	defer fl.Unlock()
	return fn()
}

// verify re-hashes e's file on disk and compares it against the manifest's
// recorded size and digest. A mismatch or unreadable file is reported as
// Corruption or ChecksumMismatch so the caller can self-heal by dropping
// the entry and re-fetching.
func (c *Cache) verify(e model.CacheEntry) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return &CacheError{Kind: Corruption, ModelID: e.ModelID, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &CacheError{Kind: Corruption, ModelID: e.ModelID, Err: err}
	}
	if info.Size() != e.SizeBytes {
		return &CacheError{Kind: Corruption, ModelID: e.ModelID, Err: fmt.Errorf("size mismatch: manifest %d, disk %d", e.SizeBytes, info.Size())}
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return &CacheError{Kind: Corruption, ModelID: e.ModelID, Err: err}
	}
	if digest := hex.EncodeToString(hasher.Sum(nil)); digest != e.Digest {
		return &CacheError{Kind: ChecksumMismatch, ModelID: e.ModelID, Err: fmt.Errorf("digest mismatch: manifest %s, disk %s", e.Digest, digest)}
	}
	return nil
}

// Get returns the cache entry for modelID, fetching and storing it via
// fetch if not already present. Concurrent Gets for the same modelID from
// within this process are deduplicated via singleflight; the on-disk lock
// additionally protects against other processes.
func (c *Cache) Get(ctx context.Context, modelID string, fetch func(ctx context.Context, w io.Writer) error) (model.CacheEntry, error) {
	v, err, _ := c.group.Do(modelID, func() (interface{}, error) {
		var entry model.CacheEntry
		var outerErr error
		lockErr := c.withLock(ctx, func() error {
			m, err := c.loadManifest()
			if err != nil {
				return err
			}
			if e, ok := m.Entries[modelID]; ok {
				if verifyErr := c.verify(e); verifyErr == nil {
					e.LastUsed = stamp()
					m.Entries[modelID] = e
					entry = e
					return c.saveManifest(m)
				}
				// Corrupt or missing on disk: self-heal by dropping the
				// stale entry and falling through to re-download.
				delete(m.Entries, modelID)
			}

			newEntry, err := c.download(ctx, modelID, fetch)
			if err != nil {
				outerErr = err
				return nil
			}
			if c.maxBytes > 0 && newEntry.SizeBytes > c.maxBytes {
				_ = os.Remove(newEntry.Path)
				outerErr = &CacheError{Kind: Capacity, ModelID: modelID, Err: fmt.Errorf("artifact is %d bytes, exceeding the %d byte cache ceiling alone", newEntry.SizeBytes, c.maxBytes)}
				return nil
			}
			m.Entries[modelID] = newEntry
			if err := c.evictLocked(m); err != nil {
				delete(m.Entries, modelID)
				_ = os.Remove(newEntry.Path)
				outerErr = err
				return nil
			}
			entry = newEntry
			return c.saveManifest(m)
		})
		if lockErr != nil {
			return model.CacheEntry{}, lockErr
		}
		if outerErr != nil {
			return model.CacheEntry{}, outerErr
		}
		return entry, nil
	})
	if err != nil {
		return model.CacheEntry{}, err
	}
	return v.(model.CacheEntry), nil
}

// download streams fetch's output to a temp file, hashes it, and renames
// it into place under its content digest.
func (c *Cache) download(ctx context.Context, modelID string, fetch func(ctx context.Context, w io.Writer) error) (model.CacheEntry, error) {
	tmp, err := os.CreateTemp(c.dir, "download-*.tmp")
	if err != nil {
		return model.CacheEntry{}, fmt.Errorf("create temp download: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	mw := io.MultiWriter(tmp, hasher)
	if err := fetch(ctx, mw); err != nil {
		tmp.Close()
		return model.CacheEntry{}, &CacheError{Kind: Network, ModelID: modelID, Err: err}
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return model.CacheEntry{}, fmt.Errorf("stat temp download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return model.CacheEntry{}, fmt.Errorf("close temp download: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	finalPath := filepath.Join(c.dir, digest)
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return model.CacheEntry{}, fmt.Errorf("install %s: %w", modelID, err)
	}

	now := stamp()
	return model.CacheEntry{
		ModelID:   modelID,
		Digest:    digest,
		SizeBytes: info.Size(),
		Path:      finalPath,
		FetchedAt: now,
		LastUsed:  now,
	}, nil
}

// evictLocked removes least-recently-used, unpinned entries until the
// manifest is back within the configured byte and entry budgets. Caller
// must already hold the manifest lock.
func (c *Cache) evictLocked(m *model.CacheManifest) error {
	for overBudget(m, c.maxBytes, c.maxEntries) {
		victim, ok := oldestUnpinned(m)
		if !ok {
			return &CacheError{Kind: Capacity, Err: fmt.Errorf("cache capacity exceeded and no unpinned entries remain to evict")}
		}
		if err := os.Remove(victim.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evict %s: %w", victim.ModelID, err)
		}
		delete(m.Entries, victim.ModelID)
	}
	return nil
}

func overBudget(m *model.CacheManifest, maxBytes int64, maxEntries int) bool {
	if maxEntries > 0 && len(m.Entries) > maxEntries {
		return true
	}
	if maxBytes > 0 {
		var total int64
		for _, e := range m.Entries {
			total += e.SizeBytes
		}
		if total > maxBytes {
			return true
		}
	}
	return false
}

func oldestUnpinned(m *model.CacheManifest) (model.CacheEntry, bool) {
	var found model.CacheEntry
	var ok bool
	for _, e := range m.Entries {
		if e.Pinned {
			continue
		}
		if !ok || e.LastUsed.Before(found.LastUsed) {
			found = e
			ok = true
		}
	}
	return found, ok
}

// Pin marks modelID as exempt from eviction.
func (c *Cache) Pin(ctx context.Context, modelID string, pinned bool) error {
	return c.withLock(ctx, func() error {
		m, err := c.loadManifest()
		if err != nil {
			return err
		}
		e, ok := m.Entries[modelID]
		if !ok {
			return fmt.Errorf("model %q is not cached", modelID)
		}
		e.Pinned = pinned
		m.Entries[modelID] = e
		return c.saveManifest(m)
	})
}

// Clear removes all cached entries and their blobs.
func (c *Cache) Clear(ctx context.Context) error {
	return c.withLock(ctx, func() error {
		m, err := c.loadManifest()
		if err != nil {
			return err
		}
		for _, e := range m.Entries {
			_ = os.Remove(e.Path)
		}
		m.Entries = map[string]model.CacheEntry{}
		return c.saveManifest(m)
	})
}

// Stats returns a sorted snapshot of cached entries.
func (c *Cache) Stats(ctx context.Context) ([]model.CacheEntry, error) {
	var out []model.CacheEntry
	err := c.withLock(ctx, func() error {
		m, err := c.loadManifest()
		if err != nil {
			return err
		}
		for _, e := range m.Entries {
			out = append(out, e)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, err
}

// stamp returns the current time; split out so tests can observe it is
// called exactly where expected without faking the clock.
func stamp() time.Time { return time.Now() }
