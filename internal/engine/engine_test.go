package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/artifactstore/internal/archive"
	"github.com/tunnelmesh/artifactstore/internal/blockstore"
	"github.com/tunnelmesh/artifactstore/internal/cache"
	"github.com/tunnelmesh/artifactstore/internal/catalog"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/refcount"
	"github.com/tunnelmesh/artifactstore/internal/storage"
	"github.com/tunnelmesh/artifactstore/internal/storage/driver"
	"github.com/tunnelmesh/artifactstore/testutil"
)

const (
	hot    = "hot"
	cold   = "cold"
	cached = "cached"
)

type fakeDrivers map[string]*testutil.MemDriver

func (f fakeDrivers) Get(_ context.Context, cred storage.Credential) (driver.Driver, error) {
	d, ok := f[cred.Key]
	if !ok {
		return nil, fmt.Errorf("no driver for %s", cred)
	}
	return d, nil
}

type harness struct {
	engine   *Engine
	backends *Backends
	drivers  fakeDrivers
	refs     *refcount.Memory
	archive  *archive.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fsCred := func(key string) storage.Credential {
		return storage.Credential{Key: key, Type: storage.TypeFilesystem, Filesystem: &storage.FilesystemParams{Path: t.TempDir()}}
	}
	withCache := fsCred(cached)
	withCache.Cache = storage.CacheConfig{Enabled: true, Path: t.TempDir(), TTLSeconds: 3600}
	creds, err := storage.NewCredentials([]storage.Credential{fsCred(hot), fsCred(cold), withCache})
	require.NoError(t, err)

	h := &harness{
		drivers: fakeDrivers{hot: testutil.NewMemDriver(), cold: testutil.NewMemDriver(), cached: testutil.NewMemDriver()},
		refs:    refcount.NewMemory(),
	}
	m := metrics.New(nil)
	opts := cache.DefaultOptions()
	opts.Retry = driver.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	h.backends = NewBackends(creds, h.drivers, opts, nil, m, zerolog.Nop())
	t.Cleanup(h.backends.Close)

	h.archive, err = archive.New(archive.Deps{
		Records: archive.NewMemoryRecords(),
		Drivers: h.backends,
		Refs:    h.refs,
		Busy:    h.backends.Busy,
	}, archive.DefaultOptions(), m, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(h.archive.Stop)

	h.engine, err = New(Deps{
		Backends: h.backends,
		Refs:     h.refs,
		Blocks:   blockstore.New(afero.NewMemMapFs(), m, zerolog.Nop()),
		Archive:  h.archive,
	}, Options{Spool: afero.NewMemMapFs()}, zerolog.Nop())
	require.NoError(t, err)
	return h
}

func (h *harness) count(t *testing.T, sha, credKey string) int64 {
	t.Helper()
	n, err := h.refs.Count(context.Background(), sha, credKey)
	require.NoError(t, err)
	return n
}

func (h *harness) read(t *testing.T, sha, credKey string) []byte {
	t.Helper()
	rc, err := h.engine.Get(context.Background(), sha, credKey)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("reader must not be used") }

func TestPutDeduplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := testutil.RandomBytes(t, 4096)
	sha := testutil.Digest(data)

	info, err := h.engine.Put(ctx, "", hot, bytes.NewReader(data), -1)
	require.NoError(t, err)
	assert.Equal(t, sha, info.SHA256)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.False(t, info.Deduplicated)

	info, err = h.engine.Put(ctx, "", hot, bytes.NewReader(data), -1)
	require.NoError(t, err)
	assert.True(t, info.Deduplicated)
	assert.Equal(t, int64(len(data)), info.Size)

	// A known digest is referenced without reading the body.
	info, err = h.engine.Put(ctx, sha, hot, failingReader{}, -1)
	require.NoError(t, err)
	assert.True(t, info.Deduplicated)

	assert.Equal(t, int64(1), h.drivers[hot].Stores.Load())
	assert.Equal(t, int64(3), h.count(t, sha, hot))
	assert.Equal(t, data, h.read(t, sha, hot))
}

func TestPutRejectsWrongDigest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := []byte("payload")
	wrong := testutil.Digest([]byte("something else"))

	for _, cred := range []string{hot, cached} {
		t.Run(cred, func(t *testing.T) {
			_, err := h.engine.Put(ctx, wrong, cred, bytes.NewReader(data), -1)
			assert.ErrorIs(t, err, ErrDigestMismatch)
			ok, err := h.engine.Exists(ctx, testutil.Digest(data), cred)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Zero(t, h.count(t, wrong, cred))
		})
	}

	_, err := h.engine.Put(ctx, "not-a-digest", hot, bytes.NewReader(data), -1)
	assert.ErrorIs(t, err, storage.ErrInvalidDigest)
	_, err = h.engine.Put(ctx, "", "missing", bytes.NewReader(data), -1)
	assert.ErrorIs(t, err, storage.ErrUnknownCredential)
}

func TestPutThroughCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := testutil.RandomBytes(t, 8192)
	sha := testutil.Digest(data)

	info, err := h.engine.Put(ctx, "", cached, bytes.NewReader(data), -1)
	require.NoError(t, err)
	assert.Equal(t, sha, info.SHA256)

	// Readable from the local copy before the flush lands.
	assert.Equal(t, data, h.read(t, sha, cached))

	backend := h.drivers[cached]
	require.True(t, testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := backend.Get(storage.MustLocate(sha))
		return ok
	}))
	stats := h.backends.CacheStats()
	require.Contains(t, stats, cached)
	assert.Equal(t, 1, stats[cached].Entries)
}

func TestCompressRefusesBusyBlob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.drivers[cached].FailStore = func(string) error { return errors.New("backend down") }

	data := testutil.RandomBytes(t, 1024)
	info, err := h.engine.Put(ctx, "", cached, bytes.NewReader(data), -1)
	require.NoError(t, err)
	assert.True(t, h.backends.Busy(info.SHA256, cached))

	_, err = h.engine.Compress(ctx, info.SHA256, cached, "", true)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestGetRestoresArchivedBlob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("artifact "), 2048)

	info, err := h.engine.Put(ctx, "", hot, bytes.NewReader(data), -1)
	require.NoError(t, err)
	rec, err := h.engine.Compress(ctx, info.SHA256, hot, "", true)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusCompressed, rec.Status)

	_, plain := h.drivers[hot].Get(storage.MustLocate(info.SHA256))
	assert.False(t, plain)
	ok, err := h.engine.Exists(ctx, info.SHA256, hot)
	require.NoError(t, err)
	assert.True(t, ok, "archived blobs still exist")
	st, err := h.engine.Stat(ctx, info.SHA256, hot)
	require.NoError(t, err)
	assert.True(t, st.Archived)
	assert.Equal(t, int64(len(data)), st.Size)

	assert.Equal(t, data, h.read(t, info.SHA256, hot))
	_, err = h.engine.ArchiveRecord(ctx, info.SHA256, hot)
	assert.ErrorIs(t, err, archive.ErrNotArchived)
}

func TestDeleteIfUnreferenced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	info, err := h.engine.Put(ctx, "", hot, bytes.NewReader([]byte("short lived")), -1)
	require.NoError(t, err)

	assert.ErrorIs(t, h.engine.DeleteIfUnreferenced(ctx, info.SHA256, hot), ErrReferenced)

	ok, err := h.engine.RemoveReference(ctx, info.SHA256, hot)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.engine.RemoveReference(ctx, info.SHA256, hot)
	require.NoError(t, err)
	assert.False(t, ok, "count never goes below zero")

	require.NoError(t, h.engine.DeleteIfUnreferenced(ctx, info.SHA256, hot))
	ok, err = h.engine.Exists(ctx, info.SHA256, hot)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = h.engine.Get(ctx, info.SHA256, hot)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// racingDeleter starts a Put of the same content just before the collector
// removes the bytes.
type racingDeleter struct {
	*Engine
	data []byte
	done chan error
}

func (r *racingDeleter) DeleteBlob(ctx context.Context, sha, credKey string) error {
	go func() {
		_, err := r.Put(ctx, "", credKey, bytes.NewReader(r.data), int64(len(r.data)))
		r.done <- err
	}()
	select {
	case err := <-r.done:
		return fmt.Errorf("put finished while the collector held the blob: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	return r.Engine.DeleteBlob(ctx, sha, credKey)
}

func TestCollectorAndPutOfSameBlobSerialize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := []byte("content revived during collection")
	info, err := h.engine.Put(ctx, "", hot, bytes.NewReader(data), -1)
	require.NoError(t, err)
	_, err = h.engine.RemoveReference(ctx, info.SHA256, hot)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	deleter := &racingDeleter{Engine: h.engine, data: data, done: make(chan error, 1)}
	gc := refcount.NewCollector(h.refs, catalog.NewMemory(), deleter, refcount.GCOptions{Grace: 0}, nil, zerolog.Nop())
	stats, err := gc.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	require.NoError(t, <-deleter.done)

	assert.Equal(t, int64(1), h.count(t, info.SHA256, hot))
	assert.Equal(t, data, h.read(t, info.SHA256, hot), "a referenced blob keeps its bytes")
	assert.Zero(t, h.engine.locks.active())
}

func TestDeleteRefusedForDeltaBase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := testutil.RandomBytes(t, 64<<10)
	target := append(append([]byte(nil), base...), []byte("v2")...)

	b, err := h.engine.Put(ctx, "", hot, bytes.NewReader(base), -1)
	require.NoError(t, err)
	tg, err := h.engine.Put(ctx, "", hot, bytes.NewReader(target), -1)
	require.NoError(t, err)
	_, err = h.engine.Compress(ctx, tg.SHA256, hot, b.SHA256, true)
	require.NoError(t, err)

	// The artifact reference goes away but the delta pin keeps the base.
	_, err = h.engine.RemoveReference(ctx, b.SHA256, hot)
	require.NoError(t, err)
	assert.ErrorIs(t, h.engine.DeleteIfUnreferenced(ctx, b.SHA256, hot), ErrReferenced)
	assert.ErrorIs(t, h.engine.DeleteBlob(ctx, b.SHA256, hot), archive.ErrBaseInUse)

	assert.Equal(t, target, h.read(t, tg.SHA256, hot))
	assert.Zero(t, h.count(t, b.SHA256, hot), "restoring releases the pin")
	require.NoError(t, h.engine.DeleteIfUnreferenced(ctx, b.SHA256, hot))
}

func TestCombineBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	parts := [][]byte{[]byte("first-"), []byte("second-"), []byte("third")}
	whole := bytes.Join(parts, nil)

	for _, cred := range []string{hot, cached} {
		t.Run(cred, func(t *testing.T) {
			id, err := h.engine.OpenUpload(ctx)
			require.NoError(t, err)
			for _, seq := range []int{2, 0, 1} {
				_, err := h.engine.StoreBlock(ctx, id, seq, testutil.Digest(parts[seq]), bytes.NewReader(parts[seq]))
				require.NoError(t, err)
			}
			blocks, err := h.engine.ListBlocks(ctx, id)
			require.NoError(t, err)
			require.Len(t, blocks, 3)

			info, err := h.engine.CombineBlocks(ctx, id, cred)
			require.NoError(t, err)
			assert.Equal(t, testutil.Digest(whole), info.SHA256)
			assert.Equal(t, int64(len(whole)), info.Size)
			assert.Equal(t, int64(1), h.count(t, info.SHA256, cred))
			assert.Equal(t, whole, h.read(t, info.SHA256, cred))

			_, err = h.engine.ListBlocks(ctx, id)
			assert.ErrorIs(t, err, blockstore.ErrSessionNotFound)
		})
	}
}

func TestCombineWithGapKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.engine.OpenUpload(ctx)
	require.NoError(t, err)
	_, err = h.engine.StoreBlock(ctx, id, 1, testutil.Digest([]byte("b")), bytes.NewReader([]byte("b")))
	require.NoError(t, err)

	_, err = h.engine.CombineBlocks(ctx, id, hot)
	var missing *blockstore.MissingSequenceError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 0, missing.Seq)
	assert.Empty(t, h.drivers[hot].Paths())

	require.NoError(t, h.engine.AbortUpload(ctx, id))
	_, err = h.engine.ListBlocks(ctx, id)
	assert.ErrorIs(t, err, blockstore.ErrSessionNotFound)
}

func TestAppendUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.engine.OpenAppend(ctx)
	require.NoError(t, err)
	n, err := h.engine.Append(ctx, id, bytes.NewReader([]byte("hello ")))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	n, err = h.engine.Append(ctx, id, bytes.NewReader([]byte("world")))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	info, err := h.engine.FinishAppend(ctx, id, hot)
	require.NoError(t, err)
	assert.Equal(t, testutil.Digest([]byte("hello world")), info.SHA256)
	assert.Equal(t, []byte("hello world"), h.read(t, info.SHA256, hot))
}

func TestTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := testutil.RandomBytes(t, 2048)
	info, err := h.engine.Put(ctx, "", hot, bytes.NewReader(data), -1)
	require.NoError(t, err)

	require.NoError(t, h.engine.Transfer(ctx, info.SHA256, info.Size, hot, cold))
	got, ok := h.drivers[cold].Get(storage.MustLocate(info.SHA256))
	require.True(t, ok)
	assert.Equal(t, data, got)

	// Bytes that do not match their address are not left on the destination.
	bogus := testutil.Digest([]byte("expected"))
	h.drivers[hot].Put(storage.MustLocate(bogus), []byte("corrupted"))
	err = h.engine.Transfer(ctx, bogus, 9, hot, cold)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	_, ok = h.drivers[cold].Get(storage.MustLocate(bogus))
	assert.False(t, ok)

	err = h.engine.Transfer(ctx, testutil.Digest([]byte("absent")), 6, hot, cold)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestArchiveMover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mover := h.engine.ArchiveMover()

	plain, err := h.engine.Put(ctx, "", hot, bytes.NewReader([]byte("never archived")), -1)
	require.NoError(t, err)
	require.NoError(t, mover.Migrate(ctx, plain.SHA256, hot, cold))
	_, ok := h.drivers[cold].Get(storage.MustLocate(plain.SHA256))
	assert.True(t, ok, "plain blobs fall back to a byte copy")

	data := bytes.Repeat([]byte("cold data "), 1024)
	arch, err := h.engine.Put(ctx, "", hot, bytes.NewReader(data), -1)
	require.NoError(t, err)
	_, err = h.engine.Compress(ctx, arch.SHA256, hot, "", true)
	require.NoError(t, err)

	require.NoError(t, mover.Migrate(ctx, arch.SHA256, hot, cold))
	rec, err := h.engine.ArchiveRecord(ctx, arch.SHA256, cold)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusCompressed, rec.Status)
	_, err = h.engine.ArchiveRecord(ctx, arch.SHA256, hot)
	assert.ErrorIs(t, err, archive.ErrNotArchived)
	assert.Equal(t, data, h.read(t, arch.SHA256, cold))
}

func TestGetFromRepoFallsBackToOldCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	repos := catalog.NewMemory()
	repos.CreateRepo("proj", "libs", cold)
	require.NoError(t, repos.SetOldCredential(ctx, "proj", "libs", hot))
	h.engine.repos = repos

	data := []byte("still on the old backend")
	info, err := h.engine.Put(ctx, "", hot, bytes.NewReader(data), -1)
	require.NoError(t, err)

	rc, err := h.engine.GetFromRepo(ctx, "proj", "libs", info.SHA256)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	require.NoError(t, repos.ClearOldCredential(ctx, "proj", "libs"))
	_, err = h.engine.GetFromRepo(ctx, "proj", "libs", info.SHA256)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestColdSourceAndFlagger(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory()
	cat.CreateRepo("proj", "libs", hot)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sha := testutil.Digest([]byte("old"))
	require.NoError(t, cat.AddNode(catalog.Node{ID: "n1", ProjectID: "proj", RepoName: "libs", FullPath: "/old", SHA256: sha, CreatedAt: t0}))

	src := NewColdSource(cat)
	cands, err := src.Cold(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []archive.Candidate{{SHA256: sha, Credential: hot}}, cands)

	ArchiveFlagger(cat, zerolog.Nop())(sha, hot, true)
	cands, err = src.Cold(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestBackendsCacheOnlyWhenEnabled(t *testing.T) {
	h := newHarness(t)
	c, err := h.backends.Cache(hot)
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = h.backends.Cache(cached)
	require.NoError(t, err)
	require.NotNil(t, c)
	again, err := h.backends.Cache(cached)
	require.NoError(t, err)
	assert.Same(t, c, again)

	_, err = h.backends.Cache("missing")
	assert.ErrorIs(t, err, storage.ErrUnknownCredential)
	assert.Equal(t, []string{cached, cold, hot}, h.backends.Keys())
}
