package runner

import (
	"bytes"
	"io"
	"sync"
)

// streamBuffer is the sink for a streamed request body. Writes never block;
// reads block until data, close, or error. It backs the http.Request body
// handed to the fetch handler so the control-socket read loop is never
// stalled by a handler that reads slowly or not at all.
type streamBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
	err    error
}

func newStreamBuffer() *streamBuffer {
	s := &streamBuffer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write appends a body chunk. Chunks written after close are dropped.
func (s *streamBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.ErrClosedPipe
	}
	n, _ := s.buf.Write(p)
	s.cond.Broadcast()
	return n, nil
}

// Read blocks until data is available or the stream is finished.
func (s *streamBuffer) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.buf.Len() == 0 {
		if s.closed {
			if s.err != nil {
				return 0, s.err
			}
			return 0, io.EOF
		}
		s.cond.Wait()
	}
	return s.buf.Read(p)
}

// Close finishes the stream; pending reads drain buffered data then EOF.
func (s *streamBuffer) Close() error {
	return s.CloseWithError(nil)
}

// CloseWithError finishes the stream with err; pending and future reads
// return err once the buffer drains (immediately, for non-nil err).
func (s *streamBuffer) CloseWithError(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.err = err
	if err != nil {
		// Error supersedes buffered data.
		s.buf.Reset()
	}
	s.cond.Broadcast()
	return nil
}
