package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/tunnelmesh/artifactstore/internal/blockstore"
)

var errNoBlockStore = errors.New("engine: block store is not configured")

// OpenUpload starts a chunked upload session.
func (e *Engine) OpenUpload(ctx context.Context) (string, error) {
	if e.blocks == nil {
		return "", errNoBlockStore
	}
	return e.blocks.Open(ctx)
}

// StoreBlock stages one block of an upload.
func (e *Engine) StoreBlock(ctx context.Context, session string, seq int, sha256 string, r io.Reader) (blockstore.Block, error) {
	if e.blocks == nil {
		return blockstore.Block{}, errNoBlockStore
	}
	return e.blocks.StoreBlock(ctx, session, seq, sha256, r)
}

// ListBlocks returns the staged blocks of an upload in sequence order.
func (e *Engine) ListBlocks(ctx context.Context, session string) ([]blockstore.Block, error) {
	if e.blocks == nil {
		return nil, errNoBlockStore
	}
	return e.blocks.ListBlocks(ctx, session)
}

// CombineBlocks assembles an upload into one blob on credKey and takes a
// reference on it. The session survives a failed commit.
func (e *Engine) CombineBlocks(ctx context.Context, session, credKey string) (FileInfo, error) {
	if e.blocks == nil {
		return FileInfo{}, errNoBlockStore
	}
	if err := e.backends.Known(credKey); err != nil {
		return FileInfo{}, err
	}
	var info FileInfo
	_, err := e.blocks.Combine(ctx, session, func(ctx context.Context, sha256 string, size int64, r io.Reader) error {
		var err error
		info, err = e.commit(ctx, sha256, size, r, credKey)
		return err
	})
	if err != nil {
		return FileInfo{}, err
	}
	return info, nil
}

// AbortUpload discards an upload session.
func (e *Engine) AbortUpload(ctx context.Context, session string) error {
	if e.blocks == nil {
		return errNoBlockStore
	}
	return e.blocks.Delete(ctx, session)
}

// OpenAppend starts an append upload session.
func (e *Engine) OpenAppend(ctx context.Context) (string, error) {
	if e.blocks == nil {
		return "", errNoBlockStore
	}
	return e.blocks.OpenAppend(ctx)
}

// Append adds r to an append session and returns its length.
func (e *Engine) Append(ctx context.Context, session string, r io.Reader) (int64, error) {
	if e.blocks == nil {
		return 0, errNoBlockStore
	}
	return e.blocks.Append(ctx, session, r)
}

// FinishAppend stores the content of an append session on credKey.
func (e *Engine) FinishAppend(ctx context.Context, session, credKey string) (FileInfo, error) {
	if e.blocks == nil {
		return FileInfo{}, errNoBlockStore
	}
	if err := e.backends.Known(credKey); err != nil {
		return FileInfo{}, err
	}
	var info FileInfo
	_, err := e.blocks.FinishAppend(ctx, session, func(ctx context.Context, sha256 string, size int64, r io.Reader) error {
		var err error
		info, err = e.commit(ctx, sha256, size, r, credKey)
		return err
	})
	if err != nil {
		return FileInfo{}, err
	}
	return info, nil
}

// CleanUploads expires upload sessions idle for longer than olderThan.
func (e *Engine) CleanUploads(ctx context.Context, olderThan time.Duration) (int, error) {
	if e.blocks == nil {
		return 0, nil
	}
	return e.blocks.CleanUp(ctx, olderThan)
}
