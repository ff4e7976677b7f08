package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

type closeCounter struct {
	*Filesystem
	closed *atomic.Int32
}

func (c closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func countingRegistry(created, closed *atomic.Int32) *Registry {
	r := NewRegistry()
	r.Register(storage.TypeFilesystem, func(context.Context, storage.Credential, zerolog.Logger) (Driver, error) {
		created.Add(1)
		return closeCounter{Filesystem: newMemFilesystem(), closed: closed}, nil
	})
	return r
}

func fsCred(key, path string) storage.Credential {
	return storage.Credential{Key: key, Type: storage.TypeFilesystem, Filesystem: &storage.FilesystemParams{Path: path}}
}

func TestPoolReusesByIdentity(t *testing.T) {
	var created, closed atomic.Int32
	pool, err := NewPool(countingRegistry(&created, &closed), PoolOptions{Size: 4, Logger: zerolog.Nop()})
	require.NoError(t, err)

	a, err := pool.Get(context.Background(), fsCred("a", "/data"))
	require.NoError(t, err)
	b, err := pool.Get(context.Background(), fsCred("b", "/data"))
	require.NoError(t, err)

	assert.Same(t, a, b, "same params under different keys share a client")
	assert.Equal(t, int32(1), created.Load())
}

func TestPoolEvictsAndClosesLeastRecentlyUsed(t *testing.T) {
	var created, closed atomic.Int32
	pool, err := NewPool(countingRegistry(&created, &closed), PoolOptions{Size: 2, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = pool.Get(ctx, fsCred("1", "/one"))
	require.NoError(t, err)
	_, err = pool.Get(ctx, fsCred("2", "/two"))
	require.NoError(t, err)
	_, err = pool.Get(ctx, fsCred("3", "/three"))
	require.NoError(t, err)

	assert.Equal(t, 2, pool.Len())
	assert.Equal(t, int32(1), closed.Load())

	require.NoError(t, pool.Close())
	assert.Equal(t, int32(3), closed.Load())
	assert.Equal(t, 0, pool.Len())
}

func TestPoolConcurrentGetCreatesOnce(t *testing.T) {
	var created, closed atomic.Int32
	pool, err := NewPool(countingRegistry(&created, &closed), PoolOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Get(context.Background(), fsCred("", "/shared"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
}

func TestRegistryUnknownType(t *testing.T) {
	_, err := NewRegistry().New(context.Background(), fsCred("", "/x"), zerolog.Nop())
	assert.True(t, errors.Is(err, storage.ErrUnsupportedType))
}

func TestDefaultRegistryTypes(t *testing.T) {
	assert.ElementsMatch(t,
		[]storage.Type{storage.TypeFilesystem, storage.TypeHDFS, storage.TypeInnerCOS, storage.TypeS3},
		NewDefaultRegistry().Types())
}

func TestDefaultRegistryBuildsFilesystem(t *testing.T) {
	root := t.TempDir()
	d, err := NewDefaultRegistry().New(context.Background(), fsCred("", root), zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Filesystem{}, d)
}

func TestInnerCOSParams(t *testing.T) {
	p := innerCOSParams(storage.InnerCOSParams{Region: "ap-guangzhou", Bucket: "artifacts", AppID: "1250000000", SecretID: "id", SecretKey: "key"})
	assert.Equal(t, "https://cos.ap-guangzhou.myqcloud.com", p.Endpoint)
	assert.Equal(t, "artifacts-1250000000", p.Bucket)
	assert.Equal(t, "id", p.AccessKey)

	p = innerCOSParams(storage.InnerCOSParams{Region: "r", Bucket: "b-7", AppID: "7", Domain: "cos.internal", Insecure: true})
	assert.Equal(t, "http://cos.internal", p.Endpoint)
	assert.Equal(t, "b-7", p.Bucket)
}
