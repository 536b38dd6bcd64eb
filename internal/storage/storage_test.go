package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/index"
)

func testBackends(t *testing.T) map[string]ObjectStorage {
	t.Helper()
	local, err := NewLocalStorage(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	return map[string]ObjectStorage{
		"local":  local,
		"memory": NewMemoryStorage(),
	}
}

func TestObjectStorage(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.EnsureBucket(ctx))

			ok, err := store.Exists(ctx, "indexes/pdq.bin")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = store.Download(ctx, "indexes/pdq.bin")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			payload := []byte("artifact bytes")
			require.NoError(t, store.Upload(ctx, "indexes/pdq.bin", bytes.NewReader(payload), int64(len(payload)), "application/octet-stream"))
			require.NoError(t, store.Upload(ctx, "indexes/pdq.bin", strings.NewReader("v2"), 2, "application/octet-stream"))

			rc, err := store.Download(ctx, "indexes/pdq.bin")
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "v2", string(got))

			ok, err = store.Exists(ctx, "indexes/pdq.bin")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, store.Delete(ctx, "indexes/pdq.bin"))
			require.NoError(t, store.Delete(ctx, "indexes/pdq.bin"))
			ok, err = store.Exists(ctx, "indexes/pdq.bin")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestLocalStorageRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	err = store.Upload(context.Background(), "../outside", strings.NewReader("x"), 1, "")
	assert.ErrorIs(t, err, domain.ErrFormat)
}

func TestLocalStorageLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir)
	require.NoError(t, err)
	require.NoError(t, store.Upload(context.Background(), "a/b.bin", strings.NewReader("data"), 4, ""))

	entries, err := os.ReadDir(filepath.Join(dir, "a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.bin", entries[0].Name())
}

func TestNewStorage(t *testing.T) {
	s, err := NewStorage(&config.BlobConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	s, err = NewStorage(&config.BlobConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	s, err = NewStorage(&config.BlobConfig{Type: "minio", Endpoint: "localhost:9000", Bucket: "b"})
	require.NoError(t, err)
	assert.IsType(t, &MinIOStorage{}, s)

	_, err = NewStorage(&config.BlobConfig{Type: "ftp"})
	assert.Error(t, err)

	assert.Equal(t, StorageTypeR2, detectStorageType("https://acct.r2.cloudflarestorage.com"))
	assert.Equal(t, StorageTypeS3, detectStorageType("s3.eu-west-1.amazonaws.com"))
	assert.Equal(t, StorageTypeS3Compatible, detectStorageType("minio.internal:9000"))
}

func buildSample(t *testing.T) *index.Index {
	t.Helper()
	b, err := index.NewBuilder(index.Params{SignalTypeID: 1, Partitions: 16, SubKeyBits: 16, Threshold: 31})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		code := make([]byte, 32)
		code[i%32] = byte(i)
		code[(i*7)%32] ^= 0x5a
		require.NoError(t, b.Add(int64(i+1), code))
	}
	return b.Build(42, time.UnixMilli(1_700_000_000_000))
}

func TestArtifactStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	store, err := NewArtifactStore(mem, "indexes", 3)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(ctx, "pdq")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ix := buildSample(t)
	size, err := store.Save(ctx, "pdq", ix)
	require.NoError(t, err)
	assert.Positive(t, size)
	assert.Equal(t, "indexes/pdq.pdqidx.zst", store.Key("pdq"))

	loaded, err := store.Load(ctx, "pdq")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), loaded.Generation())
	assert.Equal(t, ix.Len(), loaded.Len())

	want, err := ix.MarshalBinary()
	require.NoError(t, err)
	got, err := loaded.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestArtifactStoreCorruption(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	store, err := NewArtifactStore(mem, "", 0)
	require.NoError(t, err)
	defer store.Close()

	mem.Put(store.Key("pdq"), []byte("definitely not zstd"))
	_, err = store.Load(ctx, "pdq")
	assert.ErrorIs(t, err, domain.ErrIndexCorrupt)

	// Valid compression around an invalid artifact.
	_, err = store.Save(ctx, "pdq", buildSample(t))
	require.NoError(t, err)
	raw, ok := mem.Get(store.Key("pdq"))
	require.True(t, ok)
	decoded, err := store.decoder.DecodeAll(raw, nil)
	require.NoError(t, err)
	decoded[60] ^= 0xff

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(decoded)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	mem.Put(store.Key("pdq"), buf.Bytes())

	_, err = store.Load(ctx, "pdq")
	assert.ErrorIs(t, err, domain.ErrIndexCorrupt)
}
