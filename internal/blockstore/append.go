package blockstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// Append sessions grow one file by successive writes, for clients that
// upload a stream in order without knowing its final size.

func appendDir(id string) string  { return filepath.Join(appendsDir, id) }
func appendFile(id string) string { return filepath.Join(appendsDir, id, appendData) }

func (s *Store) appendLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appends == nil {
		s.appends = make(map[string]*sync.Mutex)
	}
	l, ok := s.appends[id]
	if !ok {
		l = &sync.Mutex{}
		s.appends[id] = l
	}
	return l
}

func (s *Store) dropAppendLock(id string) {
	s.mu.Lock()
	delete(s.appends, id)
	s.mu.Unlock()
}

func (s *Store) appendExists(id string) bool {
	if !validID(id) {
		return false
	}
	ok, err := afero.Exists(s.fs, appendFile(id))
	return err == nil && ok
}

// OpenAppend starts an append session and returns its id.
func (s *Store) OpenAppend(_ context.Context) (string, error) {
	id := newID()
	if err := s.fs.MkdirAll(appendDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create append session: %w", err)
	}
	f, err := s.fs.OpenFile(appendFile(id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create append session: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return id, nil
}

// Append adds r to the end of the session and returns the new length.
func (s *Store) Append(ctx context.Context, id string, r io.Reader) (int64, error) {
	if !s.appendExists(id) {
		return 0, ErrSessionNotFound
	}
	lock := s.appendLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := s.fs.OpenFile(appendFile(id), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open append session: %w", err)
	}
	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("append: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	info, err := s.fs.Stat(appendFile(id))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// FinishAppend hashes the accumulated content, passes it to commit and
// removes the session once commit succeeds.
func (s *Store) FinishAppend(ctx context.Context, id string, commit CommitFunc) (Result, error) {
	if !s.appendExists(id) {
		return Result{}, ErrSessionNotFound
	}
	lock := s.appendLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := s.fs.Open(appendFile(id))
	if err != nil {
		return Result{}, fmt.Errorf("open append session: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return Result{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Result{}, err
	}
	res := Result{SHA256: hex.EncodeToString(h.Sum(nil)), Size: size}
	if err := commit(ctx, res.SHA256, res.Size, f); err != nil {
		return Result{}, fmt.Errorf("commit appended upload: %w", err)
	}
	_ = f.Close()
	if err := s.fs.RemoveAll(appendDir(id)); err != nil {
		s.logger.Warn().Err(err).Str("session", id).Msg("Failed to remove append session")
	}
	s.dropAppendLock(id)
	return res, nil
}
