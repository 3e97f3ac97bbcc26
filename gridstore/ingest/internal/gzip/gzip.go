// Package gzip provides a streaming gzip compressor. It compresses whatever it reads from an
// input io.Reader through an in-memory pipe, so memory use stays bounded no matter how large
// the payload is, and it records how many uncompressed bytes passed through.
package gzip

import (
	"compress/gzip"
	"io"
	"sync/atomic"
)

// Streamer implements an io.Reader that returns the gzip compressed content of the reader
// passed to Reset(). The count of uncompressed bytes consumed is available via InputSize().
type Streamer struct {
	input io.Reader
	pr    *io.PipeReader
	pw    *io.PipeWriter
	zw    *gzip.Writer

	size int64
}

// New creates a new Streamer. Reset() must be called before the first Read().
func New() *Streamer {
	return &Streamer{}
}

// Reset sets the input reader to compress and arms the Streamer for reading. A Streamer can
// be reused for another input once the previous stream has been read to EOF.
func (s *Streamer) Reset(input io.Reader) {
	s.input = input
	s.pr, s.pw = io.Pipe()
	if s.zw == nil {
		s.zw = gzip.NewWriter(s.pw)
	} else {
		s.zw.Reset(s.pw)
	}
	atomic.StoreInt64(&s.size, 0)

	go s.compress()
}

// compress pulls from the input, counting the raw bytes, and pushes the compressed stream
// into the pipe. Errors are surfaced to the pipe's reader side.
func (s *Streamer) compress() {
	_, err := io.Copy(s.zw, &counter{r: s.input, n: &s.size})
	if err != nil {
		s.pw.CloseWithError(err)
		return
	}
	if err := s.zw.Close(); err != nil {
		s.pw.CloseWithError(err)
		return
	}
	s.pw.Close()
}

// Read implements io.Reader.
func (s *Streamer) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// InputSize returns the number of uncompressed bytes consumed from the input so far. It is
// only the full input size once Read() has returned io.EOF.
func (s *Streamer) InputSize() int64 {
	return atomic.LoadInt64(&s.size)
}

// Compress returns a Streamer set up to compress the content of r.
func Compress(r io.Reader) *Streamer {
	s := New()
	s.Reset(r)
	return s
}

// counter counts the bytes read through r.
type counter struct {
	r io.Reader
	n *int64
}

func (c *counter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(c.n, int64(n))
	return n, err
}
