package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/mediamatch/internal/index"
	"github.com/timmy/mediamatch/internal/signal"
)

func buildIndex(t *testing.T, gen uint64, size int) *index.Index {
	t.Helper()
	caps := signal.PDQCapabilities(nil)
	b, err := index.NewBuilder(index.Params{
		SignalTypeID: caps.ID,
		Partitions:   caps.Partitions,
		SubKeyBits:   caps.SubKeyBits(),
		Threshold:    caps.DefaultThreshold,
	})
	require.NoError(t, err)
	base, err := signal.ParseHash256(sampleHex)
	require.NoError(t, err)
	for i := 0; i < size; i++ {
		require.NoError(t, b.Add(int64(i+1), base.FlipBit(i%256).Bytes()))
	}
	return b.Build(gen, time.Now())
}

func TestIndexCacheSwapRejectsOlderGenerations(t *testing.T) {
	c := NewIndexCache()
	assert.Nil(t, c.Get(signal.PDQ))

	v2 := buildIndex(t, 2, 1)
	assert.True(t, c.Swap(signal.PDQ, v2))
	assert.False(t, c.Swap(signal.PDQ, buildIndex(t, 1, 1)))
	assert.Same(t, v2, c.Get(signal.PDQ))

	same := buildIndex(t, 2, 3)
	assert.True(t, c.Swap(signal.PDQ, same))
	assert.Same(t, same, c.Get(signal.PDQ))
}

func TestIndexCacheStates(t *testing.T) {
	c := NewIndexCache()
	c.Register(signal.PDQ)
	assert.Equal(t, SlotEmpty, c.State(signal.PDQ))

	c.BeginBuild(signal.PDQ)
	assert.Equal(t, SlotBuilding, c.State(signal.PDQ))
	c.EndBuild(signal.PDQ, errors.New("boom"))
	assert.Equal(t, SlotFailed, c.State(signal.PDQ))
	assert.Equal(t, "boom", c.Status()[signal.PDQ].LastError)

	c.BeginBuild(signal.PDQ)
	c.Swap(signal.PDQ, buildIndex(t, 1, 4))
	assert.Equal(t, SlotReady, c.State(signal.PDQ))

	c.BeginBuild(signal.PDQ)
	assert.Equal(t, SlotRebuilding, c.State(signal.PDQ))
	c.EndBuild(signal.PDQ, nil)
	assert.Equal(t, SlotReady, c.State(signal.PDQ))

	st := c.Status()[signal.PDQ]
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, 4, st.Size)
	assert.Empty(t, st.LastError)

	text, err := SlotRebuilding.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Rebuilding", string(text))
}

// Readers running during swaps see one whole index per load: its size and
// generation always belong together.
func TestIndexCacheSwapIsAtomicForReaders(t *testing.T) {
	c := NewIndexCache()
	const versions = 30
	indexes := make([]*index.Index, versions)
	for v := range indexes {
		indexes[v] = buildIndex(t, uint64(v+1), v+1)
	}
	c.Swap(signal.PDQ, indexes[0])

	q, err := signal.ParseHash256(sampleHex)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ix := c.Get(signal.PDQ)
				matches, err := ix.Query(q.Bytes(), 1)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, int(ix.Generation()), ix.Len())
				assert.Len(t, matches, ix.Len())
			}
		}()
	}

	for _, ix := range indexes[1:] {
		c.Swap(signal.PDQ, ix)
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()
	assert.Same(t, indexes[versions-1], c.Get(signal.PDQ))
}
