package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/zstd"

	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/index"
)

const (
	artifactSuffix      = ".pdqidx.zst"
	artifactContentType = "application/zstd"
	// maxArtifactBytes bounds the decompressed size of a loaded artifact.
	maxArtifactBytes = 8 << 30
)

// ArtifactStore persists index artifacts as zstd-compressed objects, one
// object per signal type. Each save replaces the previous artifact.
type ArtifactStore struct {
	objects ObjectStorage
	prefix  string
	level   zstd.EncoderLevel
	decoder *zstd.Decoder
}

// NewArtifactStore wraps objects. level follows the zstd command-line scale
// (1..22); zero selects the default.
func NewArtifactStore(objects ObjectStorage, prefix string, level int) (*ArtifactStore, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxArtifactBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	lvl := zstd.SpeedDefault
	if level > 0 {
		lvl = zstd.EncoderLevelFromZstd(level)
	}
	return &ArtifactStore{objects: objects, prefix: prefix, level: lvl, decoder: dec}, nil
}

// Key returns the object key holding the artifact of signalType.
func (s *ArtifactStore) Key(signalType string) string {
	return path.Join(s.prefix, signalType+artifactSuffix)
}

// Save serializes, compresses and uploads ix.
// Returns:
//   - int64: compressed size in bytes.
//   - error: non-nil if encoding or upload fails.
func (s *ArtifactStore) Save(ctx context.Context, signalType string, ix *index.Index) (int64, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(s.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if _, err := ix.WriteTo(enc); err != nil {
		enc.Close()
		return 0, fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("failed to compress artifact: %w", err)
	}

	size := int64(buf.Len())
	if err := s.objects.Upload(ctx, s.Key(signalType), &buf, size, artifactContentType); err != nil {
		return 0, err
	}
	return size, nil
}

// Load downloads and validates the artifact of signalType.
// Returns ErrNotFound when none was saved and ErrIndexCorrupt when the
// object fails decompression or artifact validation.
func (s *ArtifactStore) Load(ctx context.Context, signalType string) (*index.Index, error) {
	rc, err := s.objects.Download(ctx, s.Key(signalType))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrIndexCorrupt, s.Key(signalType), err)
	}
	return index.Unmarshal(raw)
}

// Close releases the decoder.
func (s *ArtifactStore) Close() {
	s.decoder.Close()
}
