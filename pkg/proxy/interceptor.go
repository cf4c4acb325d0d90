package proxy

import (
	"io"
	"strings"
	"sync"
)

// StreamInterceptor wraps an upstream response body. Bytes read through it
// are relayed unchanged while a decoded copy accumulates for post-hoc
// parsing. The completion callback fires exactly once, whether the stream
// ends normally, errors mid-flight, or the reader is closed early by a
// caller disconnect.
type StreamInterceptor struct {
	src        io.ReadCloser
	onComplete func(body string, n int64)

	mu     sync.Mutex
	buf    strings.Builder
	peeked []byte
	n      int64
	once   sync.Once
}

// NewStreamInterceptor wraps src. onComplete receives the accumulated body
// text and the total byte count; a nil callback is allowed.
func NewStreamInterceptor(src io.ReadCloser, onComplete func(body string, n int64)) *StreamInterceptor {
	return &StreamInterceptor{src: src, onComplete: onComplete}
}

// Peek reads up to max bytes from the head of the stream without consuming
// them; subsequent Reads serve the peeked bytes first. Returns the peeked
// prefix, which may be shorter than max if the stream ends early.
func (s *StreamInterceptor) Peek(max int) ([]byte, error) {
	buf := make([]byte, max)
	total := 0
	for total < max {
		n, err := s.src.Read(buf[total:])
		total += n
		if err != nil {
			if err == io.EOF {
				break
			}
			s.record(buf[:total])
			s.mu.Lock()
			s.peeked = append(s.peeked, buf[:total]...)
			s.mu.Unlock()
			return buf[:total], err
		}
		if n > 0 {
			break
		}
	}
	s.record(buf[:total])
	s.mu.Lock()
	s.peeked = append(s.peeked, buf[:total]...)
	s.mu.Unlock()
	return buf[:total], nil
}

// Read serves any peeked prefix first, then the underlying stream. Bytes
// served from the prefix were already recorded at Peek time.
func (s *StreamInterceptor) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.peeked) > 0 {
		n := copy(p, s.peeked)
		s.peeked = s.peeked[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	n, err := s.src.Read(p)
	if n > 0 {
		s.record(p[:n])
	}
	if err != nil {
		s.complete()
	}
	return n, err
}

// Close closes the upstream body and fires completion if the stream did not
// already finish. A caller disconnect reaches cleanup through this path.
func (s *StreamInterceptor) Close() error {
	err := s.src.Close()
	s.complete()
	return err
}

// Body returns the text accumulated so far.
func (s *StreamInterceptor) Body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Bytes returns the byte count accumulated so far.
func (s *StreamInterceptor) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *StreamInterceptor) record(b []byte) {
	s.mu.Lock()
	s.buf.Write(b)
	s.n += int64(len(b))
	s.mu.Unlock()
}

func (s *StreamInterceptor) complete() {
	s.once.Do(func() {
		if s.onComplete != nil {
			s.onComplete(s.Body(), s.Bytes())
		}
	})
}
