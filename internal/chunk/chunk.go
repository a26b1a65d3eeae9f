// Package chunk splits large payloads into bounded, independently compressed
// slices and reassembles them.
//
// Chunks are processed strictly in order. After each one the handler reports
// progress and yields the processor before continuing, so a large transfer
// never monopolizes a goroutine's time slice. Reassembly verifies a checksum
// over the whole payload, which catches missing, corrupt and reordered chunks.
package chunk

import (
	"context"
	"fmt"
	"runtime"
	"strconv"

	"github.com/tierstore/tierstore/internal/codec"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// DefaultChunkSize is used when Options.ChunkSize is not positive.
const DefaultChunkSize = 1 << 20

// maxPrealloc caps the buffer reserved up front for a compressed payload;
// its declared size is not trusted beyond that.
const maxPrealloc = 64 << 20

const keySeparator = "::chunk::"

// Envelope metadata fields describing a chunked item.
const (
	MetaSize       = "size"
	MetaChunkSize  = "chunkSize"
	MetaGeneration = "chunkGen"
)

// Key returns the storage key of chunk i of key.
func Key(key string, i int) string {
	return key + keySeparator + strconv.Itoa(i)
}

// GenKey returns the storage key of chunk i of one generation of key. An
// empty generation yields Key(key, i).
func GenKey(key, gen string, i int) string {
	if gen == "" {
		return Key(key, i)
	}
	return key + keySeparator + gen + "::" + strconv.Itoa(i)
}

// Generation returns the chunk generation recorded on item, "" when none.
func Generation(item *types.StorageItem) string {
	if item == nil || item.Metadata == nil {
		return ""
	}
	gen, _ := item.Metadata[MetaGeneration].(string)
	return gen
}

// Keys returns the storage keys of every chunk of item, in order.
func Keys(item *types.StorageItem) []string {
	if item == nil || item.Chunks <= 0 {
		return nil
	}
	gen := Generation(item)
	keys := make([]string, item.Chunks)
	for i := range keys {
		keys[i] = GenKey(item.Key, gen, i)
	}
	return keys
}

// StaleKeys returns the chunk keys of prev that next does not reuse.
// next may be nil.
func StaleKeys(prev, next *types.StorageItem) []string {
	keep := make(map[string]bool)
	for _, k := range Keys(next) {
		keep[k] = true
	}
	var stale []string
	for _, k := range Keys(prev) {
		if !keep[k] {
			stale = append(stale, k)
		}
	}
	return stale
}

// ManifestOf reads the manifest of a chunked item from its envelope.
func ManifestOf(item *types.StorageItem) Manifest {
	size, _ := item.MetadataInt64(MetaSize)
	chunkSize, _ := item.MetadataInt64(MetaChunkSize)
	return Manifest{
		TotalChunks: item.Chunks,
		Size:        size,
		ChunkSize:   int(chunkSize),
		Compressed:  item.Compressed,
		Checksum:    item.Checksum,
	}
}

// Compressor compresses chunks independently. *codec.Codec satisfies it.
type Compressor interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
}

// Options control a split.
type Options struct {
	ChunkSize int
	Compress  bool
	// OnProgress receives processed/total after every chunk.
	OnProgress func(progress float64)
	// ProcessChunk receives each chunk in order. When nil the chunks are
	// collected into Result.Chunks.
	ProcessChunk func(ctx context.Context, index int, data []byte) error
}

// Manifest describes a split payload; it is all that is needed to reassemble it.
type Manifest struct {
	TotalChunks int    `json:"total_chunks"`
	Size        int64  `json:"size"`
	ChunkSize   int    `json:"chunk_size"`
	Compressed  bool   `json:"compressed"`
	Checksum    string `json:"checksum"`
}

// Validate checks that the manifest describes a payload Split could have
// produced: a non-negative size cut into exactly ceil(size/chunkSize) slices.
func (m Manifest) Validate() error {
	switch {
	case m.TotalChunks < 1:
		return errors.NewIntegrityError("", fmt.Sprintf("invalid chunk count %d", m.TotalChunks))
	case m.Size < 0:
		return errors.NewIntegrityError("", fmt.Sprintf("invalid payload size %d", m.Size))
	case m.ChunkSize <= 0:
		return errors.NewIntegrityError("", fmt.Sprintf("invalid chunk size %d", m.ChunkSize))
	}

	cs := int64(m.ChunkSize)
	want := m.Size / cs
	if m.Size%cs != 0 || want == 0 {
		want++
	}
	if int64(m.TotalChunks) != want {
		return errors.NewIntegrityError("", fmt.Sprintf("%d chunks cannot hold %d bytes in %d byte slices",
			m.TotalChunks, m.Size, m.ChunkSize))
	}
	return nil
}

// Result is returned by Split.
type Result struct {
	Manifest Manifest
	Chunks   [][]byte
}

// Handler performs chunked transfers.
type Handler struct {
	comp Compressor
}

// NewHandler creates a handler. comp may be nil when compression is never requested.
func NewHandler(comp Compressor) *Handler {
	return &Handler{comp: comp}
}

// HandleLarge serializes value and splits it.
func (h *Handler) HandleLarge(ctx context.Context, value interface{}, opts Options) (*Result, error) {
	data, err := codec.Serialize(value)
	if err != nil {
		return nil, err
	}
	return h.Split(ctx, data, opts)
}

// Split slices data into ChunkSize pieces (the last may be shorter),
// compresses each when requested and hands them to ProcessChunk in order.
func (h *Handler) Split(ctx context.Context, data []byte, opts Options) (*Result, error) {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	if opts.Compress && h.comp == nil {
		return nil, errors.NewCodecError("compress", fmt.Errorf("no compressor configured"))
	}

	total := (len(data) + size - 1) / size
	if total == 0 {
		total = 1
	}

	res := &Result{Manifest: Manifest{
		TotalChunks: total,
		Size:        int64(len(data)),
		ChunkSize:   size,
		Compressed:  opts.Compress,
		Checksum:    codec.Checksum(data),
	}}
	process := opts.ProcessChunk
	if process == nil {
		res.Chunks = make([][]byte, 0, total)
		process = func(_ context.Context, _ int, b []byte) error {
			res.Chunks = append(res.Chunks, b)
			return nil
		}
	}

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewError(errors.ErrCodeOperationCanceled, "chunked transfer canceled").
				WithDetail("processed", i).
				WithCause(err)
		}

		end := min((i+1)*size, len(data))
		slice := data[i*size : end]

		var out []byte
		if opts.Compress {
			c, err := h.comp.Compress(slice)
			if err != nil {
				return nil, err
			}
			out = c
		} else {
			out = append([]byte(nil), slice...)
		}

		if err := process(ctx, i, out); err != nil {
			return nil, fmt.Errorf("process chunk %d/%d: %w", i+1, total, err)
		}

		if opts.OnProgress != nil {
			opts.OnProgress(float64(i+1) / float64(total))
		}
		runtime.Gosched()
	}

	return res, nil
}

// Reassemble concatenates chunks in order, decompressing each when the
// manifest says so, and verifies the payload checksum.
func (h *Handler) Reassemble(m Manifest, chunks [][]byte) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if len(chunks) != m.TotalChunks {
		return nil, errors.NewIntegrityError("", fmt.Sprintf("expected %d chunks, got %d", m.TotalChunks, len(chunks)))
	}
	if m.Compressed && h.comp == nil {
		return nil, errors.NewCodecError("decompress", fmt.Errorf("no compressor configured"))
	}

	var stored int64
	for _, c := range chunks {
		stored += int64(len(c))
	}
	reserve := min(m.Size, stored)
	if m.Compressed {
		reserve = min(m.Size, maxPrealloc)
	}

	out := make([]byte, 0, reserve)
	for i, c := range chunks {
		if m.Compressed {
			d, err := h.comp.Decompress(c)
			if err != nil {
				return nil, errors.NewIntegrityError("", fmt.Sprintf("chunk %d does not decompress", i)).WithCause(err)
			}
			c = d
		}
		out = append(out, c...)
	}

	if int64(len(out)) != m.Size || codec.Checksum(out) != m.Checksum {
		return nil, errors.NewIntegrityError("", "reassembled payload checksum mismatch").
			WithDetail("expected", m.Checksum).
			WithDetail("size", len(out))
	}
	return out, nil
}
