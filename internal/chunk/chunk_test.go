package chunk

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierstore/tierstore/internal/codec"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

func newHandler(t *testing.T) *Handler {
	t.Helper()
	c, err := codec.New(codec.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return NewHandler(c)
}

func payload(size int) []byte {
	r := rand.New(rand.NewSource(7))
	b := make([]byte, size)
	// half random, half repetitive so compression has something to do
	r.Read(b[:size/2])
	copy(b[size/2:], bytes.Repeat([]byte("tierstore"), size/2/9+1))
	return b
}

func TestSplitReassemble(t *testing.T) {
	h := newHandler(t)
	data := payload(5 << 20)

	for _, size := range []int{1 << 10, 64 << 10, 1 << 20} {
		for _, compress := range []bool{false, true} {
			t.Run(fmt.Sprintf("chunk=%d/compress=%v", size, compress), func(t *testing.T) {
				res, err := h.Split(context.Background(), data, Options{ChunkSize: size, Compress: compress})
				require.NoError(t, err)

				want := (len(data) + size - 1) / size
				assert.Equal(t, want, res.Manifest.TotalChunks)
				assert.Len(t, res.Chunks, want)

				got, err := h.Reassemble(res.Manifest, res.Chunks)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, got), "payload differs after reassembly")
			})
		}
	}
}

func TestLastChunkShorter(t *testing.T) {
	h := newHandler(t)
	res, err := h.Split(context.Background(), make([]byte, 2500), Options{ChunkSize: 1000})
	require.NoError(t, err)

	require.Len(t, res.Chunks, 3)
	assert.Len(t, res.Chunks[2], 500)
}

func TestEmptyPayload(t *testing.T) {
	h := newHandler(t)
	res, err := h.Split(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Manifest.TotalChunks)
	assert.Equal(t, DefaultChunkSize, res.Manifest.ChunkSize)

	got, err := h.Reassemble(res.Manifest, res.Chunks)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReorderedChunksFailIntegrity(t *testing.T) {
	h := newHandler(t)
	data := payload(10 << 10)

	for _, compress := range []bool{false, true} {
		res, err := h.Split(context.Background(), data, Options{ChunkSize: 1 << 10, Compress: compress})
		require.NoError(t, err)

		res.Chunks[1], res.Chunks[2] = res.Chunks[2], res.Chunks[1]
		_, err = h.Reassemble(res.Manifest, res.Chunks)
		assert.True(t, errors.IsIntegrity(err), "compress=%v: got %v", compress, err)
	}
}

func TestMissingChunkFailsIntegrity(t *testing.T) {
	h := newHandler(t)
	res, err := h.Split(context.Background(), payload(4096), Options{ChunkSize: 1024})
	require.NoError(t, err)

	_, err = h.Reassemble(res.Manifest, res.Chunks[:3])
	assert.True(t, errors.IsIntegrity(err))
}

func TestProgressAndOrder(t *testing.T) {
	h := newHandler(t)
	data := payload(10 * 1024)

	var progress []float64
	var order []int
	res, err := h.Split(context.Background(), data, Options{
		ChunkSize:  1024,
		OnProgress: func(p float64) { progress = append(progress, p) },
		ProcessChunk: func(_ context.Context, i int, b []byte) error {
			order = append(order, i)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Chunks, "custom processor receives the chunks")

	require.Len(t, progress, 10)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}
	assert.Equal(t, 1.0, progress[9])
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestProcessChunkError(t *testing.T) {
	h := newHandler(t)
	boom := fmt.Errorf("disk full")

	_, err := h.Split(context.Background(), payload(4096), Options{
		ChunkSize: 1024,
		ProcessChunk: func(_ context.Context, i int, _ []byte) error {
			if i == 2 {
				return boom
			}
			return nil
		},
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "chunk 3/4")
}

func TestCanceled(t *testing.T) {
	h := newHandler(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := h.Split(ctx, payload(8192), Options{
		ChunkSize: 1024,
		OnProgress: func(p float64) {
			if p >= 0.5 {
				cancel()
			}
		},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
}

func TestHandleLarge(t *testing.T) {
	h := newHandler(t)
	value := map[string]string{"blob": string(bytes.Repeat([]byte("x"), 5000))}

	res, err := h.HandleLarge(context.Background(), value, Options{ChunkSize: 1024, Compress: true})
	require.NoError(t, err)

	got, err := h.Reassemble(res.Manifest, res.Chunks)
	require.NoError(t, err)
	want, _ := codec.Serialize(value)
	assert.Equal(t, want, got)
}

func TestCompressWithoutCompressor(t *testing.T) {
	_, err := NewHandler(nil).Split(context.Background(), []byte("x"), Options{Compress: true})
	assert.True(t, errors.IsCodec(err))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "doc::chunk::3", Key("doc", 3))
}

func TestManifestValidate(t *testing.T) {
	valid := Manifest{TotalChunks: 4, Size: 4000, ChunkSize: 1024}
	require.NoError(t, valid.Validate())
	require.NoError(t, Manifest{TotalChunks: 1, Size: 0, ChunkSize: 1024}.Validate())

	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"negative size", func(m *Manifest) { m.Size = -1 }},
		{"negative chunk count", func(m *Manifest) { m.TotalChunks = -1 }},
		{"zero chunk count", func(m *Manifest) { m.TotalChunks = 0 }},
		{"zero chunk size", func(m *Manifest) { m.ChunkSize = 0 }},
		{"too many chunks", func(m *Manifest) { m.TotalChunks = 1 << 30 }},
		{"size beyond chunks", func(m *Manifest) { m.Size = 1 << 40 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			assert.True(t, errors.IsIntegrity(m.Validate()))
		})
	}
}

func TestReassembleRejectsCorruptManifest(t *testing.T) {
	h := newHandler(t)
	res, err := h.Split(context.Background(), payload(4096), Options{ChunkSize: 1024})
	require.NoError(t, err)

	m := res.Manifest
	m.Size = -1
	assert.NotPanics(t, func() {
		_, err = h.Reassemble(m, res.Chunks)
	})
	assert.True(t, errors.IsIntegrity(err), "got %v", err)
}

func TestGenerationKeys(t *testing.T) {
	old := &types.StorageItem{Key: "k", Chunks: 3}
	next := &types.StorageItem{Key: "k", Chunks: 2, Metadata: map[string]interface{}{MetaGeneration: "g2"}}

	assert.Equal(t, []string{"k::chunk::0", "k::chunk::1", "k::chunk::2"}, Keys(old))
	assert.Equal(t, []string{"k::chunk::g2::0", "k::chunk::g2::1"}, Keys(next))
	assert.Equal(t, Keys(old), StaleKeys(old, next))
	assert.Empty(t, StaleKeys(next, next))
	assert.Equal(t, []string{"k::chunk::2"}, StaleKeys(old, &types.StorageItem{Key: "k", Chunks: 2}))
	assert.Nil(t, Keys(&types.StorageItem{Key: "k", Chunks: -1}))
}
