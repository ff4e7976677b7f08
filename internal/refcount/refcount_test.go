package refcount

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/artifactstore/internal/kv"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
)

const (
	shaA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	shaB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	shaC = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

// runStoreSuite checks the counting contract every Store must honour.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("increment creates row", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.Increment(ctx, shaA, "", 3)
		require.NoError(t, err)
		assert.True(t, ok)

		n, err := s.Count(ctx, shaA, "")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		exists, err := s.Exists(ctx, shaA, "")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("invalid delta", func(t *testing.T) {
		s := newStore(t)
		for _, by := range []int64{0, -1} {
			_, err := s.Increment(ctx, shaA, "", by)
			assert.ErrorIs(t, err, ErrInvalidDelta)
		}
		n, err := s.Count(ctx, shaA, "")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("unknown row", func(t *testing.T) {
		s := newStore(t)
		n, err := s.Count(ctx, shaB, "missing")
		require.NoError(t, err)
		assert.Zero(t, n)

		ok, err := s.Decrement(ctx, shaB, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("decrement never goes negative", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Increment(ctx, shaA, "cold", 1)
		require.NoError(t, err)

		ok, err := s.Decrement(ctx, shaA, "cold")
		require.NoError(t, err)
		assert.True(t, ok)

		for i := 0; i < 3; i++ {
			ok, err = s.Decrement(ctx, shaA, "cold")
			require.NoError(t, err)
			assert.False(t, ok)
		}

		n, err := s.Count(ctx, shaA, "cold")
		require.NoError(t, err)
		assert.Zero(t, n)

		exists, err := s.Exists(ctx, shaA, "cold")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("credentials are independent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Increment(ctx, shaA, "", 1)
		require.NoError(t, err)
		_, err = s.Increment(ctx, shaA, "s3", 2)
		require.NoError(t, err)

		n, err := s.Count(ctx, shaA, "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = s.Count(ctx, shaA, "s3")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("concurrent mutations", func(t *testing.T) {
		s := newStore(t)
		const workers = 20

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Increment(ctx, shaC, "", 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		n, err := s.Count(ctx, shaC, "")
		require.NoError(t, err)
		require.Equal(t, int64(workers), n)

		var succeeded atomic.Int64
		for i := 0; i < workers+5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Decrement(ctx, shaC, "")
				assert.NoError(t, err)
				if ok {
					succeeded.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(workers), succeeded.Load())
		n, err = s.Count(ctx, shaC, "")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("zeroed and delete if zero", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Increment(ctx, shaA, "", 1)
		require.NoError(t, err)
		_, err = s.Increment(ctx, shaB, "", 2)
		require.NoError(t, err)
		_, err = s.Decrement(ctx, shaA, "")
		require.NoError(t, err)

		rows, err := s.Zeroed(ctx, time.Now().Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, rows, "rows zeroed after the cutoff are excluded")

		rows, err = s.Zeroed(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, shaA, rows[0].SHA256)
		assert.Equal(t, "", rows[0].Credential)

		ok, err := s.DeleteIfZero(ctx, shaB, "")
		require.NoError(t, err)
		assert.False(t, ok, "non-zero rows are kept")

		ok, err = s.DeleteIfZero(ctx, shaA, "")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.DeleteIfZero(ctx, shaA, "")
		require.NoError(t, err)
		assert.False(t, ok)

		rows, err = s.Zeroed(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("increment removes row from zero index", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Increment(ctx, shaA, "", 1)
		require.NoError(t, err)
		_, err = s.Decrement(ctx, shaA, "")
		require.NoError(t, err)
		_, err = s.Increment(ctx, shaA, "", 1)
		require.NoError(t, err)

		rows, err := s.Zeroed(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("reset", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Reset(ctx, shaA, "", 0))
		rows, err := s.Zeroed(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Len(t, rows, 1)

		require.NoError(t, s.Reset(ctx, shaA, "", 1))
		n, err := s.Count(ctx, shaA, "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		rows, err = s.Zeroed(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, rows)

		assert.ErrorIs(t, s.Reset(ctx, shaA, "", -1), ErrInvalidDelta)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		db, err := kv.OpenInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return NewBadger(db)
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ARTIFACTSTORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ARTIFACTSTORE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	runStoreSuite(t, func(t *testing.T) Store {
		s := NewPostgres(pool)
		require.NoError(t, s.Migrate(ctx))
		_, err := pool.Exec(ctx, "TRUNCATE file_reference")
		require.NoError(t, err)
		return s
	})
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("ARTIFACTSTORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ARTIFACTSTORE_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	runStoreSuite(t, func(t *testing.T) Store {
		prefix := "artifactstore-test-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		t.Cleanup(func() {
			keys, _ := rdb.Keys(context.Background(), prefix+":*").Result()
			if len(keys) > 0 {
				rdb.Del(context.Background(), keys...)
			}
		})
		return NewRedis(rdb, prefix)
	})
}

func TestMemoryZeroedOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, sha := range []string{shaC, shaA, shaB} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		require.NoError(t, s.Reset(ctx, sha, "", 0))
	}

	rows, err := s.Zeroed(ctx, base.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, shaC, rows[0].SHA256)
	assert.Equal(t, shaA, rows[1].SHA256)

	rows, err = s.Zeroed(ctx, base.Add(90*time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestBadgerZeroedOrder(t *testing.T) {
	ctx := context.Background()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	s := NewBadger(db)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, sha := range []string{shaB, shaC, shaA} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		require.NoError(t, s.Reset(ctx, sha, "cred/with/slashes", 0))
	}

	rows, err := s.Zeroed(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{shaB, shaC, shaA}, []string{rows[0].SHA256, rows[1].SHA256, rows[2].SHA256})
	assert.Equal(t, "cred/with/slashes", rows[0].Credential)
}

func TestParseMember(t *testing.T) {
	sha, cred, ok := parseMember(member(shaA, "s3:eu"))
	require.True(t, ok)
	assert.Equal(t, shaA, sha)
	assert.Equal(t, "s3:eu", cred)

	_, _, ok = parseMember("short")
	assert.False(t, ok)
}

func TestInstrumentCountsResults(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(nil)
	s := Instrument(NewMemory(), m)

	_, err := s.Increment(ctx, shaA, "", 1)
	require.NoError(t, err)
	_, _ = s.Decrement(ctx, shaA, "")
	_, _ = s.Decrement(ctx, shaA, "")
	_, _ = s.Increment(ctx, shaA, "", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefOperations.WithLabelValues("increment", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefOperations.WithLabelValues("increment", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefOperations.WithLabelValues("decrement", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefOperations.WithLabelValues("decrement", "rejected")))
}
