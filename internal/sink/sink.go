// Package sink delivers processed audio chunks to the transcription side.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("sink: closed")

// Sink receives PCM s16le chunks in capture order.
type Sink interface {
	Send(ctx context.Context, chunk []byte) error
	Close() error
}

// WriterSink writes raw chunks to an io.Writer.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	closed bool
}

// NewWriterSink returns a sink writing to w. Close does not close w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// NewFileSink creates (or truncates) path and writes chunks to it.
func NewFileSink(path string) (*WriterSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("sink: create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: create file: %w", err)
	}
	return &WriterSink{w: f, closer: f}, nil
}

// Send writes chunk in full.
func (s *WriterSink) Send(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write(chunk); err != nil {
		return fmt.Errorf("sink: write: %w", err)
	}
	return nil
}

// Close releases the underlying file, if the sink owns one.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
