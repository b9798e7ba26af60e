package modelcache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fetchString(s string) func(context.Context, io.Writer) error {
	return func(_ context.Context, w io.Writer) error {
		_, err := w.Write([]byte(s))
		return err
	}
}

func TestGet_CachesOnFirstFetch(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 0, 0)
	require.NoError(t, err)

	calls := 0
	fetch := func(ctx context.Context, w io.Writer) error {
		calls++
		return fetchString("model-bytes")(ctx, w)
	}

	e1, err := c.Get(context.Background(), "m1", fetch)
	require.NoError(t, err)
	e2, err := c.Get(context.Background(), "m1", fetch)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, e1.Digest, e2.Digest)
	assert.FileExists(t, e1.Path)
}

func TestGet_DedupesConcurrentDownloads(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 0, 0)
	require.NoError(t, err)

	var calls int
	var mu sync.Mutex
	fetch := func(ctx context.Context, w io.Writer) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return fetchString("same-model")(ctx, w)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "dup", fetch)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestEviction_RemovesLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 0, 1)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "old", fetchString("aaaa"))
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "new", fetchString("bbbb"))
	require.NoError(t, err)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "new", stats[0].ModelID)
}

func TestPin_ExemptsFromEviction(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 0, 1)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "pinned", fetchString("aaaa"))
	require.NoError(t, err)
	require.NoError(t, c.Pin(context.Background(), "pinned", true))

	_, err = c.Get(context.Background(), "new", fetchString("bbbb"))
	require.NoError(t, err)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	names := make([]string, len(stats))
	for i, e := range stats {
		names[i] = e.ModelID
	}
	assert.Contains(t, strings.Join(names, ","), "pinned")
}

func TestClear_RemovesAllBlobs(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 0, 0)
	require.NoError(t, err)

	e, err := c.Get(context.Background(), "m1", fetchString("abc"))
	require.NoError(t, err)
	require.NoError(t, c.Clear(context.Background()))

	_, statErr := os.Stat(e.Path)
	assert.True(t, os.IsNotExist(statErr))

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestLoadManifest_RejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 0, 0)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(`{"version": 999, "entries": {}}`), 0o644))

	_, err = c.loadManifest()
	assert.Error(t, err)
	var ce *CacheError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, Corruption, ce.Kind)
}

func TestGet_RejectsArtifactExceedingCeilingAlone(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 4, 0) // 4-byte ceiling
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "too-big", fetchString("way more than four bytes"))
	require.Error(t, err)
	var ce *CacheError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Capacity, ce.Kind)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats, "a rejected artifact must leave the cache unchanged")
}

func TestGet_BoundaryArtifactExactlyAtCeilingIsAccepted(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 4, 0)
	require.NoError(t, err)

	e, err := c.Get(context.Background(), "exact", fetchString("abcd"))
	require.NoError(t, err)
	assert.EqualValues(t, 4, e.SizeBytes)
}

func TestGet_SelfHealsOnDiskCorruption(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 0, 0)
	require.NoError(t, err)

	calls := 0
	fetch := func(ctx context.Context, w io.Writer) error {
		calls++
		return fetchString("original-bytes")(ctx, w)
	}
	e1, err := c.Get(context.Background(), "m1", fetch)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(e1.Path, []byte("tampered"), 0o644))

	e2, err := c.Get(context.Background(), "m1", fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "a corrupt blob must be re-fetched rather than trusted")
	assert.Equal(t, e1.Digest, e2.Digest)
}
