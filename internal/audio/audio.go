package audio

import (
	"errors"
	"time"

	"github.com/petems/hearsay/internal/pcm"
)

var (
	// ErrDeviceEnumeration means the audio subsystem could not be queried.
	ErrDeviceEnumeration = errors.New("audio: device enumeration failed")
	// ErrInvalidDevice means a device id does not resolve to an input endpoint.
	ErrInvalidDevice = errors.New("audio: invalid device")
	// ErrInputOverflow reports that the host dropped input before it was read.
	// The stream remains usable.
	ErrInputOverflow = errors.New("audio: input overflowed")
	// ErrStreamAborted is returned by Read once Abort has been called.
	ErrStreamAborted = errors.New("audio: stream aborted")
)

// AudioDevice is a snapshot of an input-capable endpoint taken at enumeration
// time. It goes stale if the hardware changes; re-enumerate to refresh it.
type AudioDevice struct {
	ID            int
	Name          string
	InputChannels int
	SampleRate    int
	IsLoopback    bool
	IsDefault     bool
}

// HostDevice is the raw description of an endpoint as reported by a Host.
// Entries may be incomplete; the Registry filters them.
type HostDevice struct {
	Index             int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultLatency    time.Duration
	HostAPI           string
}

// StreamParams describes how to open an input stream.
type StreamParams struct {
	SampleRate      int // 0 selects the device default
	Channels        int // 0 selects mono
	FramesPerBuffer int
}

// Host is the OS audio subsystem. One Host is acquired per process and
// released with Close.
type Host interface {
	Devices() ([]*HostDevice, error)
	DefaultInputDevice() (*HostDevice, error)
	OpenInput(dev *HostDevice, p StreamParams) (Stream, error)
	Close() error
}

// Stream is an open capture stream. Read blocks until a full block of
// FramesPerBuffer frames is available and returns it as mono PCM. Abort may
// be called from another goroutine to unblock a pending Read; Close must be
// called by the goroutine that owns the stream once it is done reading.
type Stream interface {
	Read() (pcm.Frame, error)
	Abort() error
	Close() error
	Format() pcm.Format
}
