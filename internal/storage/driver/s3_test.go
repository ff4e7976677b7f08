package driver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// fakeS3 is a path style S3 endpoint that understands the four object verbs.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			}
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3(t *testing.T) (*S3, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	d, err := NewS3(storage.S3Params{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		Bucket:         "artifacts",
		Prefix:         "blobs",
		AccessKey:      "test",
		SecretKey:      "test",
		ForcePathStyle: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	return d, fake
}

func TestS3StoreLoadDelete(t *testing.T) {
	ctx := context.Background()
	d, fake := newTestS3(t)

	require.NoError(t, d.Store(ctx, "ab/cd/obj", strings.NewReader("object body"), 11))
	fake.mu.Lock()
	_, stored := fake.objects["artifacts/blobs/ab/cd/obj"]
	fake.mu.Unlock()
	assert.True(t, stored, "object stored under bucket and prefix")

	data, err := LoadAll(ctx, d, "ab/cd/obj")
	require.NoError(t, err)
	assert.Equal(t, "object body", string(data))

	size, err := d.Size(ctx, "ab/cd/obj")
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	ok, err := d.Exists(ctx, "ab/cd/obj")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, d.Delete(ctx, "ab/cd/obj"))
	require.NoError(t, d.Delete(ctx, "ab/cd/obj"))

	ok, err = d.Exists(ctx, "ab/cd/obj")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3NotFoundMapping(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestS3(t)

	_, err := d.Load(ctx, "no/such/key")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = d.Size(ctx, "no/such/key")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestS3AppendRewritesObject(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestS3(t)

	n, err := d.Append(ctx, "logs/a.log", strings.NewReader("one,"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = d.Append(ctx, "logs/a.log", strings.NewReader("two"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	data, err := LoadAll(ctx, d, "logs/a.log")
	require.NoError(t, err)
	assert.Equal(t, "one,two", string(data))
}
