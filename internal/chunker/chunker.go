// Package chunker splits byte streams into fixed-size chunks and puts them
// back together.
package chunker

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/kenneth/chunkvault/internal/common"
)

// Chunk size limits.
const (
	DefaultChunkSize = 4 * 1024 * 1024 // 4MiB plaintext per chunk
	MaxChunkSize     = 5 * 1024 * 1024 // upper bound accepted by the upload transport
)

// Part is one plaintext chunk and its position in the file.
type Part struct {
	Index int
	Data  []byte
}

// Count returns the number of chunks a file of size bytes is split into.
// An empty file still produces one (empty) chunk.
func Count(size int64, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if size <= 0 {
		return 1
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Split cuts data into consecutive parts of chunkSize bytes; only the last
// part may be shorter. Parts share data's backing array.
func Split(data []byte, chunkSize int) []Part {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(data) == 0 {
		return []Part{{Index: 0, Data: []byte{}}}
	}

	parts := make([]Part, 0, Count(int64(len(data)), chunkSize))
	for offset, index := 0, 0; offset < len(data); offset, index = offset+chunkSize, index+1 {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, Part{Index: index, Data: data[offset:end:end]})
	}
	return parts
}

// CheckSequence verifies that indices are exactly 0..n-1, in any order.
func CheckSequence(indices []int) error {
	if len(indices) == 0 {
		return fmt.Errorf("%w: no chunks", common.ErrMissingChunk)
	}
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	for i, idx := range sorted {
		if idx != i {
			if i > 0 && idx == sorted[i-1] {
				return fmt.Errorf("%w: duplicate index %d", common.ErrMissingChunk, idx)
			}
			return fmt.Errorf("%w: expected index %d, found %d", common.ErrMissingChunk, i, idx)
		}
	}
	return nil
}

// Reassemble orders parts by index and concatenates them.
func Reassemble(parts []Part) ([]byte, error) {
	indices := make([]int, len(parts))
	total := 0
	for i, p := range parts {
		indices[i] = p.Index
		total += len(p.Data)
	}
	if err := CheckSequence(indices); err != nil {
		return nil, err
	}

	ordered := append([]Part(nil), parts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	out := make([]byte, 0, total)
	for _, p := range ordered {
		out = append(out, p.Data...)
	}
	return out, nil
}

// Splitter reads fixed-size parts from a stream without buffering the
// whole input.
type Splitter struct {
	r         io.Reader
	chunkSize int
	index     int
	done      bool
}

// NewSplitter creates a streaming splitter over r.
func NewSplitter(r io.Reader, chunkSize int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Splitter{r: r, chunkSize: chunkSize}
}

// Next returns the next part, or io.EOF once the stream is exhausted.
// An empty stream yields a single empty part before io.EOF.
func (s *Splitter) Next() (Part, error) {
	if s.done {
		return Part{}, io.EOF
	}

	buf := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		// Nothing left. Only the very first part may be empty.
		s.done = true
		if s.index > 0 {
			return Part{}, io.EOF
		}
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
	default:
		return Part{}, fmt.Errorf("failed to read chunk %d: %w", s.index, err)
	}

	part := Part{Index: s.index, Data: buf[:n]}
	s.index++
	return part, nil
}
