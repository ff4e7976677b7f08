// Package blockstore stages chunked uploads on local disk. Blocks of one
// session may arrive in any order and in parallel; combining them streams the
// blocks in sequence order into a single blob that is handed to a commit
// function, so nothing reaches the deduplicated blob space before the upload
// is complete.
package blockstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

const (
	sessionsDir  = "sessions"
	appendsDir   = "appends"
	blockSuffix  = ".block"
	digestSuffix = ".sha256"
	appendData   = "data"
)

// Block describes one stored block.
type Block struct {
	Seq    int    `json:"seq"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Result describes a combined or finished upload.
type Result struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// CommitFunc receives the assembled content. The upload is only removed when
// it returns nil, so a failed commit can be retried.
type CommitFunc func(ctx context.Context, sha256 string, size int64, r io.Reader) error

// session serialises combine against block writes. Stores hold the read lock
// so they run in parallel; combine holds the write lock.
type session struct {
	mu sync.RWMutex
}

// Store keeps upload sessions under a local directory.
type Store struct {
	fs      afero.Fs
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	appends  map[string]*sync.Mutex
}

// New returns a block store writing to fs.
func New(fs afero.Fs, m *metrics.Metrics, logger zerolog.Logger) *Store {
	return &Store{
		fs:       fs,
		metrics:  m,
		logger:   logger.With().Str("component", "blockstore").Logger(),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// NewOnDisk returns a block store rooted at dir on the OS filesystem.
func NewOnDisk(dir string, m *metrics.Metrics, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir), m, logger), nil
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// validID rejects ids that could escape the session tree.
func validID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func sessionDir(id string) string { return filepath.Join(sessionsDir, id) }

func blockName(seq int) string  { return strconv.Itoa(seq) + blockSuffix }
func digestName(seq int) string { return strconv.Itoa(seq) + digestSuffix }

// Open starts a new chunked upload and returns its id.
func (s *Store) Open(_ context.Context) (string, error) {
	id := newID()
	if err := s.fs.MkdirAll(sessionDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create upload session: %w", err)
	}
	s.mu.Lock()
	s.sessions[id] = &session{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.UploadSessions.Inc()
	}
	s.logger.Debug().Str("session", id).Msg("Upload session opened")
	return id, nil
}

// Exists reports whether the session is open.
func (s *Store) Exists(id string) bool {
	if !validID(id) {
		return false
	}
	ok, err := afero.DirExists(s.fs, sessionDir(id))
	return err == nil && ok
}

// session returns the lock of an open session. Sessions left on disk by a
// previous process are adopted.
func (s *Store) session(id string) (*session, error) {
	if !s.Exists(id) {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{}
		s.sessions[id] = sess
	}
	return sess, nil
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.UploadSessions.Dec()
	}
}

// StoreBlock writes block seq of a session. digest must be the hex sha256 of
// the content; a mismatch returns ErrDigestMismatch and stores nothing.
// Storing the same sequence again replaces the block.
func (s *Store) StoreBlock(ctx context.Context, id string, seq int, digest string, r io.Reader) (Block, error) {
	if seq < 0 {
		return Block{}, ErrInvalidSequence
	}
	if !storage.ValidDigest(digest) {
		return Block{}, storage.ErrInvalidDigest
	}
	sess, err := s.session(id)
	if err != nil {
		return Block{}, err
	}
	if !sess.mu.TryRLock() {
		return Block{}, ErrCombining
	}
	defer sess.mu.RUnlock()

	dir := sessionDir(id)
	tmp, err := afero.TempFile(s.fs, dir, ".tmp-"+strconv.Itoa(seq)+"-*")
	if err != nil {
		return Block{}, fmt.Errorf("create block file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return Block{}, fmt.Errorf("write block %d: %w", seq, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != digest {
		cleanup()
		return Block{}, fmt.Errorf("%w: block %d is %s, expected %s", ErrDigestMismatch, seq, got, digest)
	}

	// The sidecar goes first so a listed block always has its digest.
	if err := writeAtomic(s.fs, filepath.Join(dir, digestName(seq)), []byte(digest)); err != nil {
		cleanup()
		return Block{}, fmt.Errorf("write block digest %d: %w", seq, err)
	}
	if err := s.fs.Rename(tmpName, filepath.Join(dir, blockName(seq))); err != nil {
		cleanup()
		return Block{}, fmt.Errorf("install block %d: %w", seq, err)
	}
	if s.metrics != nil {
		s.metrics.BlocksStored.Inc()
	}
	return Block{Seq: seq, Size: n, SHA256: digest}, nil
}

// ListBlocks returns the stored blocks of a session ordered by sequence.
func (s *Store) ListBlocks(_ context.Context, id string) ([]Block, error) {
	if !s.Exists(id) {
		return nil, ErrSessionNotFound
	}
	return s.listBlocks(id)
}

func (s *Store) listBlocks(id string) ([]Block, error) {
	dir := sessionDir(id)
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	var blocks []Block
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, blockSuffix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, blockSuffix))
		if err != nil || seq < 0 {
			continue
		}
		digest, err := afero.ReadFile(s.fs, filepath.Join(dir, digestName(seq)))
		if err != nil {
			s.logger.Warn().Err(err).Str("session", id).Int("seq", seq).Msg("Block without digest ignored")
			continue
		}
		blocks = append(blocks, Block{Seq: seq, Size: info.Size(), SHA256: strings.TrimSpace(string(digest))})
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Seq < blocks[j].Seq })
	return blocks, nil
}

// Combine checks that sequences 0..N-1 are all present, streams them in order
// into one file while hashing, and passes the result to commit. The session is
// removed once commit succeeds. A gap fails with *MissingSequenceError before
// any output is produced.
func (s *Store) Combine(ctx context.Context, id string, commit CommitFunc) (Result, error) {
	sess, err := s.session(id)
	if err != nil {
		return Result{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	res, err := s.combine(ctx, id, commit)
	status := "success"
	if err != nil {
		status = "error"
		var missing *MissingSequenceError
		if errors.As(err, &missing) {
			status = "missing_sequence"
		}
	}
	if s.metrics != nil {
		s.metrics.BlockCombines.WithLabelValues(status).Inc()
	}
	if err != nil {
		return Result{}, err
	}

	if err := s.fs.RemoveAll(sessionDir(id)); err != nil {
		s.logger.Warn().Err(err).Str("session", id).Msg("Failed to remove combined session")
	}
	s.forget(id)
	s.logger.Debug().Str("session", id).Str("sha256", res.SHA256).Int64("size", res.Size).Msg("Upload combined")
	return res, nil
}

func (s *Store) combine(ctx context.Context, id string, commit CommitFunc) (Result, error) {
	blocks, err := s.listBlocks(id)
	if err != nil {
		return Result{}, err
	}
	if len(blocks) == 0 {
		return Result{}, &MissingSequenceError{Seq: 0}
	}
	for i, b := range blocks {
		if b.Seq != i {
			return Result{}, &MissingSequenceError{Seq: i}
		}
	}

	dir := sessionDir(id)
	merged, err := afero.TempFile(s.fs, dir, ".merged-*")
	if err != nil {
		return Result{}, fmt.Errorf("create merged file: %w", err)
	}
	mergedName := merged.Name()
	defer func() {
		_ = merged.Close()
		_ = s.fs.Remove(mergedName)
	}()

	total := sha256.New()
	var size int64
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		n, err := s.appendBlock(merged, total, filepath.Join(dir, blockName(b.Seq)), b)
		if err != nil {
			return Result{}, err
		}
		size += n
	}
	if err := merged.Sync(); err != nil {
		return Result{}, err
	}
	if _, err := merged.Seek(0, io.SeekStart); err != nil {
		return Result{}, err
	}

	res := Result{SHA256: hex.EncodeToString(total.Sum(nil)), Size: size}
	if err := commit(ctx, res.SHA256, res.Size, merged); err != nil {
		return Result{}, fmt.Errorf("commit combined upload: %w", err)
	}
	return res, nil
}

// appendBlock copies one block into w, re-checking its digest.
func (s *Store) appendBlock(w io.Writer, total io.Writer, name string, b Block) (int64, error) {
	f, err := s.fs.Open(name)
	if err != nil {
		return 0, fmt.Errorf("open block %d: %w", b.Seq, err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, total, h), f)
	if err != nil {
		return 0, fmt.Errorf("copy block %d: %w", b.Seq, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != b.SHA256 {
		return 0, fmt.Errorf("%w: stored block %d is corrupt", ErrDigestMismatch, b.Seq)
	}
	return n, nil
}

// Delete aborts a session and removes its blocks.
func (s *Store) Delete(_ context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.fs.RemoveAll(sessionDir(id)); err != nil {
		return fmt.Errorf("remove upload session: %w", err)
	}
	s.forget(id)
	return nil
}

// CleanUp removes chunked and append sessions not modified within olderThan.
// Sessions that are combining are skipped.
func (s *Store) CleanUp(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, root := range []string{sessionsDir, appendsDir} {
		infos, err := afero.ReadDir(s.fs, root)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, err
		}
		for _, info := range infos {
			if !info.IsDir() || !validID(info.Name()) || !s.lastActivity(root, info).Before(cutoff) {
				continue
			}
			id := info.Name()
			if root == sessionsDir {
				sess, err := s.session(id)
				if err != nil {
					continue
				}
				if !sess.mu.TryLock() {
					continue
				}
				err = s.fs.RemoveAll(filepath.Join(root, id))
				sess.mu.Unlock()
				if err != nil {
					return removed, err
				}
				s.forget(id)
			} else {
				lock := s.appendLock(id)
				if !lock.TryLock() {
					continue
				}
				err := s.fs.RemoveAll(filepath.Join(root, id))
				lock.Unlock()
				if err != nil {
					return removed, err
				}
				s.dropAppendLock(id)
			}
			removed++
			s.logger.Info().Str("session", id).Time("last_activity", info.ModTime()).Msg("Expired upload session removed")
		}
	}
	return removed, nil
}

// lastActivity is the newest mtime of the session directory and its files.
func (s *Store) lastActivity(root string, dir os.FileInfo) time.Time {
	latest := dir.ModTime()
	infos, err := afero.ReadDir(s.fs, filepath.Join(root, dir.Name()))
	if err != nil {
		return latest
	}
	for _, info := range infos {
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

// writeAtomic writes data to name through a temp file and rename.
func writeAtomic(fs afero.Fs, name string, data []byte) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(name), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Rename(tmpName, name)
	}
	if err != nil {
		_ = fs.Remove(tmpName)
	}
	return err
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
