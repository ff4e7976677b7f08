package blockstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/storage"
	"github.com/tunnelmesh/artifactstore/testutil"
)

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return New(fs, metrics.New(nil), zerolog.Nop()), fs
}

// capture is a CommitFunc that keeps what it was given.
type capture struct {
	sha  string
	size int64
	data []byte
	err  error
}

func (c *capture) commit(_ context.Context, sha string, size int64, r io.Reader) error {
	if c.err != nil {
		return c.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.sha, c.size, c.data = sha, size, data
	return nil
}

func storeBlock(t *testing.T, s *Store, id string, seq int, content string) Block {
	t.Helper()
	b, err := s.StoreBlock(context.Background(), id, seq, testutil.Digest([]byte(content)), strings.NewReader(content))
	require.NoError(t, err)
	return b
}

func TestOpenSessionID(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
	assert.True(t, s.Exists(id))
	assert.False(t, s.Exists("../../etc"))
}

func TestCombineInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestStore(t)
	id, err := s.Open(ctx)
	require.NoError(t, err)

	parts := []string{"alpha-", "beta-", "gamma"}
	// Arrival order does not matter.
	storeBlock(t, s, id, 2, parts[2])
	storeBlock(t, s, id, 0, parts[0])
	storeBlock(t, s, id, 1, parts[1])

	blocks, err := s.ListBlocks(ctx, id)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	for i, b := range blocks {
		assert.Equal(t, i, b.Seq)
		assert.Equal(t, int64(len(parts[i])), b.Size)
		assert.Equal(t, testutil.Digest([]byte(parts[i])), b.SHA256)
	}

	var got capture
	res, err := s.Combine(ctx, id, got.commit)
	require.NoError(t, err)

	want := strings.Join(parts, "")
	assert.Equal(t, want, string(got.data))
	assert.Equal(t, testutil.Digest([]byte(want)), res.SHA256)
	assert.Equal(t, res.SHA256, got.sha)
	assert.Equal(t, int64(len(want)), res.Size)

	assert.False(t, s.Exists(id), "session removed after combine")
	exists, err := afero.DirExists(fs, sessionDir(id))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCombineWithGapFails(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestStore(t)
	id, err := s.Open(ctx)
	require.NoError(t, err)

	storeBlock(t, s, id, 0, "zero")
	storeBlock(t, s, id, 2, "two")

	var got capture
	_, err = s.Combine(ctx, id, got.commit)
	var missing *MissingSequenceError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 1, missing.Seq)
	assert.Nil(t, got.data, "commit never called")

	infos, err := afero.ReadDir(fs, sessionDir(id))
	require.NoError(t, err)
	for _, info := range infos {
		assert.False(t, strings.HasPrefix(info.Name(), ".merged"), "no output left behind")
	}

	// The client can resume by sending the missing block.
	storeBlock(t, s, id, 1, "one")
	res, err := s.Combine(ctx, id, got.commit)
	require.NoError(t, err)
	assert.Equal(t, "zeroonetwo", string(got.data))
	assert.Equal(t, testutil.Digest([]byte("zeroonetwo")), res.SHA256)
}

func TestCombineEmptySession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id, err := s.Open(ctx)
	require.NoError(t, err)

	var got capture
	_, err = s.Combine(ctx, id, got.commit)
	var missing *MissingSequenceError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 0, missing.Seq)
}

func TestStoreBlockDigestMismatch(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id, err := s.Open(ctx)
	require.NoError(t, err)

	_, err = s.StoreBlock(ctx, id, 0, testutil.Digest([]byte("expected")), strings.NewReader("actual"))
	assert.ErrorIs(t, err, ErrDigestMismatch)

	blocks, err := s.ListBlocks(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestStoreBlockValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id, err := s.Open(ctx)
	require.NoError(t, err)

	_, err = s.StoreBlock(ctx, id, -1, testutil.Digest(nil), bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrInvalidSequence)

	_, err = s.StoreBlock(ctx, id, 0, "not-a-digest", bytes.NewReader(nil))
	assert.ErrorIs(t, err, storage.ErrInvalidDigest)

	_, err = s.StoreBlock(ctx, "0123456789abcdef0123456789abcdef", 0, testutil.Digest(nil), bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStoreBlocksInParallel(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id, err := s.Open(ctx)
	require.NoError(t, err)

	const n = 16
	chunks := make([][]byte, n)
	var want bytes.Buffer
	for i := range chunks {
		chunks[i] = testutil.RandomBytes(t, 1024+i)
		want.Write(chunks[i])
	}

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.StoreBlock(ctx, id, i, testutil.Digest(chunks[i]), bytes.NewReader(chunks[i]))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var got capture
	res, err := s.Combine(ctx, id, got.commit)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got.data)
	assert.Equal(t, testutil.Digest(want.Bytes()), res.SHA256)
}

func TestStoreBlockRejectedWhileCombining(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id, err := s.Open(ctx)
	require.NoError(t, err)
	storeBlock(t, s, id, 0, "only")

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Combine(ctx, id, func(_ context.Context, _ string, _ int64, r io.Reader) error {
			close(entered)
			<-release
			_, err := io.Copy(io.Discard, r)
			return err
		})
		done <- err
	}()

	<-entered
	_, err = s.StoreBlock(ctx, id, 1, testutil.Digest([]byte("late")), strings.NewReader("late"))
	assert.ErrorIs(t, err, ErrCombining)
	close(release)
	require.NoError(t, <-done)
}

func TestCommitFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id, err := s.Open(ctx)
	require.NoError(t, err)
	storeBlock(t, s, id, 0, "payload")

	failing := capture{err: errors.New("backend down")}
	_, err = s.Combine(ctx, id, failing.commit)
	require.Error(t, err)
	assert.True(t, s.Exists(id))

	var got capture
	_, err = s.Combine(ctx, id, got.commit)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got.data))
}

func TestCombineDetectsCorruptBlock(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestStore(t)
	id, err := s.Open(ctx)
	require.NoError(t, err)
	storeBlock(t, s, id, 0, "original")

	require.NoError(t, afero.WriteFile(fs, sessionDir(id)+"/0.block", []byte("tampered"), 0o644))

	var got capture
	_, err = s.Combine(ctx, id, got.commit)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.Nil(t, got.data)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id, err := s.Open(ctx)
	require.NoError(t, err)
	storeBlock(t, s, id, 0, "abandoned")

	require.NoError(t, s.Delete(ctx, id))
	assert.False(t, s.Exists(id))
	assert.ErrorIs(t, s.Delete(ctx, id), ErrSessionNotFound)

	_, err = s.ListBlocks(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCleanUpExpiredSessions(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	stale, err := s.Open(ctx)
	require.NoError(t, err)
	storeBlock(t, s, stale, 0, "old")
	fresh, err := s.Open(ctx)
	require.NoError(t, err)
	storeBlock(t, s, fresh, 0, "new")
	staleAppend, err := s.OpenAppend(ctx)
	require.NoError(t, err)

	old := now.Add(-48 * time.Hour)
	for _, name := range []string{sessionDir(stale), sessionDir(stale) + "/0.block", sessionDir(stale) + "/0.sha256", appendDir(staleAppend), appendFile(staleAppend)} {
		require.NoError(t, fs.Chtimes(name, old, old))
	}

	removed, err := s.CleanUp(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.False(t, s.Exists(stale))
	assert.True(t, s.Exists(fresh))
	assert.False(t, s.appendExists(staleAppend))
}

func TestAppendSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id, err := s.OpenAppend(ctx)
	require.NoError(t, err)

	n, err := s.Append(ctx, id, strings.NewReader("first,"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	n, err = s.Append(ctx, id, strings.NewReader("second"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	var got capture
	res, err := s.FinishAppend(ctx, id, got.commit)
	require.NoError(t, err)
	assert.Equal(t, "first,second", string(got.data))
	assert.Equal(t, testutil.Digest([]byte("first,second")), res.SHA256)
	assert.Equal(t, int64(12), res.Size)

	_, err = s.Append(ctx, id, strings.NewReader("more"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
