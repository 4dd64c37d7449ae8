// Package mock provides in-memory implementations of [audio.Host] and
// [audio.Stream] for unit tests.
//
// Both mocks are safe for concurrent use. A Stream delivers whatever the test
// pushes onto its Frames channel, so tests control capture cadence exactly:
//
//	mic := mock.NewStream(pcm.Format{SampleRate: 16000, Channels: 1})
//	host := &mock.Host{
//	    DevicesResult: []*audio.HostDevice{{Index: 0, Name: "Mic", MaxInputChannels: 1, DefaultSampleRate: 16000}},
//	    Streams:       map[int]*mock.Stream{0: mic},
//	}
//	mic.Frames <- frame
package mock

import (
	"errors"
	"sync"

	"github.com/petems/hearsay/internal/audio"
	"github.com/petems/hearsay/internal/pcm"
)

// Host is a mock implementation of [audio.Host].
type Host struct {
	mu sync.Mutex

	// DevicesResult is returned by Devices.
	DevicesResult []*audio.HostDevice
	// DevicesError, when set, is returned by Devices instead.
	DevicesError error

	// DefaultInput is returned by DefaultInputDevice. Nil yields an error.
	DefaultInput *audio.HostDevice

	// Streams maps device index to the stream returned by OpenInput.
	Streams map[int]*Stream
	// OpenErrors maps device index to an error returned by OpenInput.
	OpenErrors map[int]error

	// OpenedParams records the params of each OpenInput call by device index.
	OpenedParams map[int]audio.StreamParams
	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Devices implements [audio.Host].
func (h *Host) Devices() ([]*audio.HostDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DevicesError != nil {
		return nil, h.DevicesError
	}
	return h.DevicesResult, nil
}

// DefaultInputDevice implements [audio.Host].
func (h *Host) DefaultInputDevice() (*audio.HostDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DefaultInput == nil {
		return nil, errors.New("mock: no default input device")
	}
	return h.DefaultInput, nil
}

// OpenInput implements [audio.Host].
func (h *Host) OpenInput(dev *audio.HostDevice, p audio.StreamParams) (audio.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OpenedParams == nil {
		h.OpenedParams = make(map[int]audio.StreamParams)
	}
	h.OpenedParams[dev.Index] = p
	if err := h.OpenErrors[dev.Index]; err != nil {
		return nil, err
	}
	s, ok := h.Streams[dev.Index]
	if !ok {
		return nil, errors.New("mock: no stream configured")
	}
	return s, nil
}

// Close implements [audio.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountClose++
	return nil
}

// Stream is a mock implementation of [audio.Stream]. Read returns frames sent
// on Frames, errors sent on Errors, and ErrStreamAborted once Abort is called.
type Stream struct {
	Frames chan pcm.Frame
	Errors chan error
	// Stuck, when set before the first Read, keeps Read blocked through
	// Abort until Stuck is closed. It simulates a driver that ignores abort.
	Stuck chan struct{}

	format    pcm.Format
	abortOnce sync.Once
	aborted   chan struct{}

	mu               sync.Mutex
	closeCount       int
	abortCount       int
	abortsAfterClose int
}

// NewStream returns a Stream reporting format.
func NewStream(format pcm.Format) *Stream {
	return &Stream{
		Frames:  make(chan pcm.Frame, 16),
		Errors:  make(chan error, 1),
		format:  format,
		aborted: make(chan struct{}),
	}
}

// Read implements [audio.Stream].
func (s *Stream) Read() (pcm.Frame, error) {
	if s.Stuck != nil {
		select {
		case f := <-s.Frames:
			return f, nil
		case <-s.Stuck:
			return pcm.Frame{}, audio.ErrStreamAborted
		}
	}
	select {
	case <-s.aborted:
		return pcm.Frame{}, audio.ErrStreamAborted
	default:
	}
	select {
	case f := <-s.Frames:
		return f, nil
	case err := <-s.Errors:
		return pcm.Frame{}, err
	case <-s.aborted:
		return pcm.Frame{}, audio.ErrStreamAborted
	}
}

// Abort implements [audio.Stream].
func (s *Stream) Abort() error {
	s.mu.Lock()
	s.abortCount++
	if s.closeCount > 0 {
		s.abortsAfterClose++
	}
	s.mu.Unlock()
	s.abortOnce.Do(func() { close(s.aborted) })
	return nil
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// Format implements [audio.Stream].
func (s *Stream) Format() pcm.Format {
	return s.format
}

// Closed reports how many times Close was called.
func (s *Stream) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Aborted reports whether Abort was called.
func (s *Stream) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortCount > 0
}

// AbortsAfterClose reports how many times Abort was called on a closed
// stream. Real drivers may have freed the stream by then.
func (s *Stream) AbortsAfterClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortsAfterClose
}
