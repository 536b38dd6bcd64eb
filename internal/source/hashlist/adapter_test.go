package hashlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pdqHex = "f8f8f0cee0f4a84f06370a22038f63f0b36e2ed596621e1d33e6b39c4e9c9b22"

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		ok       bool
		signals  map[string]string
		metadata map[string]string
	}{
		{name: "bare pdq", line: pdqHex, ok: true, signals: map[string]string{"pdq": pdqHex}, metadata: map[string]string{}},
		{name: "typed", line: "VIDEO_MD5,d41d8cd98f00b204e9800998ecf8427e", ok: true,
			signals: map[string]string{"video_md5": "d41d8cd98f00b204e9800998ecf8427e"}, metadata: map[string]string{}},
		{name: "metadata", line: "pdq," + pdqHex + ",case=42, note = hi", ok: true,
			signals: map[string]string{"pdq": pdqHex}, metadata: map[string]string{"case": "42", "note": "hi"}},
		{name: "short bare", line: "abc"},
		{name: "empty value", line: "pdq,"},
		{name: "bad metadata", line: "pdq," + pdqHex + ",novalue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := ParseLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.signals, item.Signals)
				assert.Equal(t, tt.metadata, item.Metadata)
			}
		})
	}
}

func TestAdapterFetchBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashes.txt")
	content := "# seed list\n" + pdqHex + "\n\nnot a hash\npdq," + pdqHex + ",case=1\nvideo_md5,d41d8cd98f00b204e9800998ecf8427e\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	a := NewAdapter("seed", path)
	assert.Equal(t, "hashes:seed", a.GetSourceID())
	assert.True(t, a.SupportsIncremental())

	items, cursor, done, err := a.FetchBatch(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.False(t, done)
	assert.Equal(t, "line:2", items[0].SourceID)
	assert.Equal(t, "line:5", items[1].SourceID)
	assert.Equal(t, "1", items[1].Metadata["case"])

	items, cursor, done, err = a.FetchBatch(context.Background(), cursor, 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, done)
	assert.Equal(t, "3", cursor)
	assert.Equal(t, []int{4}, a.Skipped())

	items, _, done, err = a.FetchBatch(context.Background(), cursor, 2)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.True(t, done)
}

func TestAdapterMissingFile(t *testing.T) {
	_, _, _, err := NewAdapter("x", filepath.Join(t.TempDir(), "nope.txt")).FetchBatch(context.Background(), "", 10)
	assert.Error(t, err)
}
