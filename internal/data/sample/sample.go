// Package sample stores acquired or imported event matrices on disk.
//
// A sample is a directory holding metadata.json and events/c/<chunk>, each
// chunk a zstd-compressed block of little-endian float64 rows.
package sample

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sugawarayuuta/sonnet"
)

const (
	FormatVersion    = "1"
	DefaultChunkRows = 65536
	metadataFile     = "metadata.json"
)

// ErrNotSample is returned for a directory without sample metadata.
var ErrNotSample = errors.New("not a sample directory")

// Channel describes one column of the event matrix.
type Channel struct {
	Name         string  `json:"name"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Fluorescence bool    `json:"fluorescence,omitempty"`
}

// Metadata describes a stored sample.
type Metadata struct {
	FormatVersion string            `json:"format_version"`
	Name          string            `json:"name"`
	Channels      []Channel         `json:"channels"`
	NEvents       int               `json:"n_events"`
	ChunkRows     int               `json:"chunk_rows"`
	VolumeUL      float64           `json:"volume_ul,omitempty"`
	AcquiredAt    time.Time         `json:"acquired_at"`
	Tags          map[string]string `json:"tags,omitempty"`

	// Path is filled by the reader.
	Path string `json:"-"`
}

// Columns lists channel names in column order.
func (m Metadata) Columns() []string {
	out := make([]string, len(m.Channels))
	for i, c := range m.Channels {
		out[i] = c.Name
	}
	return out
}

// NChunks is the number of chunk files.
func (m Metadata) NChunks() int {
	if m.NEvents == 0 || m.ChunkRows <= 0 {
		return 0
	}
	return (m.NEvents + m.ChunkRows - 1) / m.ChunkRows
}

// Reader reads one sample directory.
type Reader struct {
	path     string
	metadata Metadata
	decoder  *zstd.Decoder

	mu   sync.Mutex
	rows []float64
}

// Open loads the metadata of the sample at path.
func Open(path string) (*Reader, error) {
	meta, err := readMetadata(path)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Reader{path: path, metadata: meta, decoder: decoder}, nil
}

func readMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(path, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrNotSample, path)
		}
		return Metadata{}, fmt.Errorf("failed to read %s: %w", metadataFile, err)
	}
	var meta Metadata
	if err := sonnet.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse %s: %w", metadataFile, err)
	}
	if len(meta.Channels) == 0 {
		return Metadata{}, fmt.Errorf("%w: %s has no channels", ErrNotSample, path)
	}
	meta.Path = path
	return meta, nil
}

// Metadata returns the sample metadata.
func (r *Reader) Metadata() Metadata { return r.metadata }

// ReadChunk decodes chunk i into row-major values.
func (r *Reader) ReadChunk(i int) ([]float64, error) {
	if i < 0 || i >= r.metadata.NChunks() {
		return nil, fmt.Errorf("chunk %d out of range [0, %d)", i, r.metadata.NChunks())
	}
	compressed, err := os.ReadFile(filepath.Join(r.path, "events", "c", strconv.Itoa(i)))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", i, err)
	}
	raw, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}

	width := len(r.metadata.Channels)
	rows := r.metadata.ChunkRows
	if last := r.metadata.NEvents - i*r.metadata.ChunkRows; last < rows {
		rows = last
	}
	if len(raw) != rows*width*8 {
		return nil, fmt.Errorf("chunk %d has %d bytes, want %d", i, len(raw), rows*width*8)
	}
	out := make([]float64, rows*width)
	for k := range out {
		out[k] = math.Float64frombits(binary.LittleEndian.Uint64(raw[k*8:]))
	}
	return out, nil
}

// ReadAll returns every event row-major. The result is cached and must not
// be modified.
func (r *Reader) ReadAll() ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows != nil {
		return r.rows, nil
	}
	all := make([]float64, 0, r.metadata.NEvents*len(r.metadata.Channels))
	for i := 0; i < r.metadata.NChunks(); i++ {
		chunk, err := r.ReadChunk(i)
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}
	r.rows = all
	return all, nil
}

// Close releases the decoder.
func (r *Reader) Close() error {
	r.decoder.Close()
	return nil
}

// Write stores rows (row-major, one column per channel) as a new sample
// directory. The metadata file is written last so a partial write is never
// listed.
func Write(path string, meta Metadata, rows []float64) error {
	width := len(meta.Channels)
	if width == 0 {
		return fmt.Errorf("sample %q has no channels", meta.Name)
	}
	if len(rows)%width != 0 {
		return fmt.Errorf("%d values do not fill rows of %d channels", len(rows), width)
	}
	if meta.ChunkRows <= 0 {
		meta.ChunkRows = DefaultChunkRows
	}
	meta.FormatVersion = FormatVersion
	meta.NEvents = len(rows) / width
	if meta.AcquiredAt.IsZero() {
		meta.AcquiredAt = time.Now().UTC()
	}

	chunkDir := filepath.Join(path, "events", "c")
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create sample directory: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer encoder.Close()

	step := meta.ChunkRows * width
	buf := make([]byte, 0, step*8)
	for i, start := 0, 0; start < len(rows); i, start = i+1, start+step {
		end := min(start+step, len(rows))
		buf = buf[:0]
		for _, v := range rows[start:end] {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
		compressed := encoder.EncodeAll(buf, nil)
		if err := os.WriteFile(filepath.Join(chunkDir, strconv.Itoa(i)), compressed, 0o644); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
	}

	data, err := sonnet.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	tmp := filepath.Join(path, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(path, metadataFile)); err != nil {
		return fmt.Errorf("failed to publish metadata: %w", err)
	}
	return nil
}

// List returns the metadata of every sample directly under dir, by name.
func List(dir string) ([]Metadata, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := readMetadata(filepath.Join(dir, e.Name()))
		if err != nil {
			if errors.Is(err, ErrNotSample) {
				continue
			}
			return nil, err
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
