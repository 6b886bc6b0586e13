// Copyright (c) 2021 Nutanix, Inc.
package frame

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// FrameCount returns the number of data frames needed to carry size bytes
func FrameCount(size int64, capacity int) (uint32, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if size <= 0 {
		return 0, ErrEmptyStream
	}
	n := (size + int64(capacity) - 1) / int64(capacity)
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d frames", ErrTooManyFrames, n)
	}
	return uint32(n), nil
}

// Split cuts stream into chunks of at most capacity bytes. Chunks alias stream.
func Split(stream []byte, capacity int) ([][]byte, error) {
	n, err := FrameCount(int64(len(stream)), capacity)
	if err != nil {
		return nil, err
	}

	chunks := make([][]byte, 0, n)
	for off := 0; off < len(stream); off += capacity {
		end := off + capacity
		if end > len(stream) {
			end = len(stream)
		}
		chunks = append(chunks, stream[off:end])
	}
	return chunks, nil
}

// Reassemble concatenates chunks in order
func Reassemble(chunks [][]byte) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Chunker reads a stream of known size in capacity sized chunks.
// The buffer returned by Next is reused across calls.
type Chunker struct {
	r         io.Reader
	remaining int64
	total     uint32
	read      uint32
	buf       []byte
}

// NewChunker creates a Chunker over size bytes of r
func NewChunker(r io.Reader, size int64, capacity int) (*Chunker, error) {
	total, err := FrameCount(size, capacity)
	if err != nil {
		return nil, err
	}
	bufSize := capacity
	if size < int64(capacity) {
		bufSize = int(size)
	}
	return &Chunker{
		r:         r,
		remaining: size,
		total:     total,
		buf:       make([]byte, bufSize),
	}, nil
}

// Total returns the number of chunks the Chunker produces
func (c *Chunker) Total() uint32 {
	return c.total
}

// Next returns the next chunk, or io.EOF once all chunks were returned.
// A source that ends before the advertised size yields ErrShortRead.
func (c *Chunker) Next() ([]byte, error) {
	if c.read == c.total {
		return nil, io.EOF
	}
	want := int64(len(c.buf))
	if c.remaining < want {
		want = c.remaining
	}
	n, err := io.ReadFull(c.r, c.buf[:want])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: chunk %d/%d got %d of %d bytes", ErrShortRead, c.read+1, c.total, n, want)
		}
		return nil, err
	}
	c.remaining -= int64(n)
	c.read++
	return c.buf[:n], nil
}
