// Package buffer provides LatencyBuffer, the hand-off point between the
// capture pipeline and the transcription consumer.
//
// The buffer holds at most MaxLatency of audio in a fixed ring. Writes never
// block: when the ring is full the oldest bytes are discarded, so the
// consumer always sees recent audio. Reads are gated until TargetLatency has
// accumulated, which absorbs jitter on the capture side.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petems/hearsay/internal/pcm"
)

var (
	// ErrMisaligned is returned by Write when the payload is not a whole
	// number of sample frames.
	ErrMisaligned = errors.New("buffer: write not aligned to sample frames")
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("buffer: invalid config")
)

// Config describes the audio geometry and latency bounds of a LatencyBuffer.
type Config struct {
	SampleRate    int
	Channels      int
	ChunkSamples  int // samples per channel in each chunk returned by Read
	TargetLatency time.Duration
	MaxLatency    time.Duration
}

// Validate reports every problem with the config.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channels must be positive, got %d", c.Channels))
	}
	if c.ChunkSamples <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSamples))
	}
	if c.TargetLatency < 0 {
		errs = append(errs, fmt.Errorf("target latency must not be negative, got %v", c.TargetLatency))
	}
	if c.MaxLatency <= 0 {
		errs = append(errs, fmt.Errorf("max latency must be positive, got %v", c.MaxLatency))
	}
	if c.TargetLatency > c.MaxLatency {
		errs = append(errs, fmt.Errorf("target latency %v exceeds max latency %v", c.TargetLatency, c.MaxLatency))
	}
	if len(errs) == 0 && c.SampleRate > 0 {
		if c.ChunkSamples > framesFor(c.MaxLatency, c.SampleRate) {
			errs = append(errs, fmt.Errorf("chunk of %d samples does not fit in max latency %v", c.ChunkSamples, c.MaxLatency))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ChunkBytes returns the size of a chunk returned by Read.
func (c Config) ChunkBytes() int {
	return c.ChunkSamples * c.Channels * pcm.BytesPerSample
}

// Stats counts buffer activity since creation or the last Reset.
type Stats struct {
	BytesWritten int64
	BytesRead    int64
	BytesDropped int64
	Writes       int64
	Reads        int64
	Overflows    int64 // writes that had to discard old data
	Underruns    int64 // reads that found the buffer not ready
}

// LatencyBuffer is safe for one writer and one reader running concurrently.
type LatencyBuffer struct {
	cfg        Config
	frameBytes int
	chunkBytes int

	mu    sync.Mutex
	ring  []byte
	head  int // index of the oldest byte
	size  int // bytes currently held
	stats Stats
}

// New allocates a buffer whose capacity is MaxLatency of audio, rounded down
// to whole sample frames.
func New(cfg Config) (*LatencyBuffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	frameBytes := cfg.Channels * pcm.BytesPerSample
	return &LatencyBuffer{
		cfg:        cfg,
		frameBytes: frameBytes,
		chunkBytes: cfg.ChunkBytes(),
		ring:       make([]byte, framesFor(cfg.MaxLatency, cfg.SampleRate)*frameBytes),
	}, nil
}

// Config returns the configuration the buffer was created with.
func (b *LatencyBuffer) Config() Config {
	return b.cfg
}

// Write appends p. If the result would exceed MaxLatency, bytes are discarded
// from the oldest end until it fits; if p alone is longer than the whole
// buffer only its most recent tail is kept.
func (b *LatencyBuffer) Write(p []byte) error {
	if len(p)%b.frameBytes != 0 {
		return fmt.Errorf("%w: %d bytes, frame size %d", ErrMisaligned, len(p), b.frameBytes)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Writes++
	b.stats.BytesWritten += int64(len(p))

	capacity := len(b.ring)
	if len(p) > capacity {
		dropped := len(p) - capacity
		b.stats.BytesDropped += int64(dropped)
		p = p[dropped:]
	}
	if overflow := b.size + len(p) - capacity; overflow > 0 {
		b.discard(overflow)
		b.stats.Overflows++
	}

	tail := (b.head + b.size) % capacity
	n := copy(b.ring[tail:], p)
	copy(b.ring, p[n:])
	b.size += len(p)
	return nil
}

// Read returns the oldest chunk, or false if fewer than TargetLatency worth
// of audio (or less than one chunk) is buffered. It never waits.
func (b *LatencyBuffer) Read() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.latency() < b.cfg.TargetLatency || b.size < b.chunkBytes {
		b.stats.Underruns++
		return nil, false
	}

	out := make([]byte, b.chunkBytes)
	n := copy(out, b.ring[b.head:min(b.head+b.chunkBytes, len(b.ring))])
	copy(out[n:], b.ring)
	b.head = (b.head + b.chunkBytes) % len(b.ring)
	b.size -= b.chunkBytes

	b.stats.Reads++
	b.stats.BytesRead += int64(b.chunkBytes)
	return out, true
}

// CurrentLatency converts the buffered byte count to a playback duration.
func (b *LatencyBuffer) CurrentLatency() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latency()
}

// Len returns the number of buffered bytes.
func (b *LatencyBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Stats returns a snapshot of the activity counters.
func (b *LatencyBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset discards all buffered audio and clears the counters.
func (b *LatencyBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
	b.stats = Stats{}
}

func (b *LatencyBuffer) latency() time.Duration {
	frames := b.size / b.frameBytes
	return time.Duration(frames) * time.Second / time.Duration(b.cfg.SampleRate)
}

// discard drops n bytes from the head. Callers hold mu.
func (b *LatencyBuffer) discard(n int) {
	if n > b.size {
		n = b.size
	}
	b.head = (b.head + n) % len(b.ring)
	b.size -= n
	b.stats.BytesDropped += int64(n)
}

// framesFor returns how many whole sample frames fit in d at rate.
func framesFor(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
