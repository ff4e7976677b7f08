package archive

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Codec names stored in records.
const (
	CodecZstd      = "zstd"
	CodecXZ        = "xz"
	CodecZstdDelta = "zstd-delta"
)

// deltaDictID tags delta frames. The base bytes are the raw dictionary.
const deltaDictID = 1

// CompressedSuffix is appended to a blob's path for its archived copy.
const CompressedSuffix = ".bd"

// ValidFullCodec reports whether name can be configured as the codec for
// blobs without a base.
func ValidFullCodec(name string) bool {
	return name == CodecZstd || name == CodecXZ
}

// deltaWindow sizes the zstd window so matches can reach back across the
// whole base.
func deltaWindow(baseLen int) int {
	w := zstd.MinWindowSize
	for w < baseLen*2 && w < 1<<29 {
		w <<= 1
	}
	return w
}

// encode compresses src into dst. base is only used by the delta codec.
func encode(codec string, dst io.Writer, src io.Reader, base []byte) error {
	var (
		w   io.WriteCloser
		err error
	)
	switch codec {
	case CodecZstd:
		w, err = zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	case CodecZstdDelta:
		w, err = zstd.NewWriter(dst,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithWindowSize(deltaWindow(len(base))),
			zstd.WithEncoderDictRaw(deltaDictID, base))
	case CodecXZ:
		w, err = xz.NewWriter(dst)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
	if err != nil {
		return fmt.Errorf("create %s encoder: %w", codec, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("%s encode: %w", codec, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%s encode: %w", codec, err)
	}
	return nil
}

// decode reverses encode.
func decode(codec string, dst io.Writer, src io.Reader, base []byte) error {
	var r io.Reader
	switch codec {
	case CodecZstd, CodecZstdDelta:
		opts := []zstd.DOption{zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxWindow(1 << 29)}
		if codec == CodecZstdDelta {
			opts = append(opts, zstd.WithDecoderDictRaw(deltaDictID, base))
		}
		dec, err := zstd.NewReader(src, opts...)
		if err != nil {
			return fmt.Errorf("create %s decoder: %w", codec, err)
		}
		defer dec.Close()
		r = dec
	case CodecXZ:
		xr, err := xz.NewReader(src)
		if err != nil {
			return fmt.Errorf("create %s decoder: %w", codec, err)
		}
		r = xr
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("%s decode: %w", codec, err)
	}
	return nil
}
