package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/petems/hearsay/internal/pcm"
)

// PortAudioHost is a Host backed by PortAudio. Device indices are positions in
// the PortAudio device list, which is stable until the library is
// reinitialized.
type PortAudioHost struct {
	mu     sync.Mutex
	closed bool
}

// NewPortAudioHost initializes PortAudio. Call Close to terminate it.
func NewPortAudioHost() (*PortAudioHost, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &PortAudioHost{}, nil
}

func (h *PortAudioHost) Devices() ([]*HostDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("portaudio host closed")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	result := make([]*HostDevice, len(devices))
	for i, d := range devices {
		result[i] = hostDevice(i, d)
	}
	return result, nil
}

func (h *PortAudioHost) DefaultInputDevice() (*HostDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("portaudio host closed")
	}

	def, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("failed to get default input device: %w", err)
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	for i, d := range devices {
		if d == def || d.Name == def.Name {
			return hostDevice(i, d), nil
		}
	}
	return nil, errors.New("default input device not in device list")
}

func (h *PortAudioHost) OpenInput(dev *HostDevice, p StreamParams) (Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("portaudio host closed")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if dev.Index < 0 || dev.Index >= len(devices) {
		return nil, fmt.Errorf("device not found: %d", dev.Index)
	}
	device := devices[dev.Index]

	channels := p.Channels
	if channels <= 0 {
		channels = 1
	}
	rate := p.SampleRate
	if rate <= 0 {
		rate = int(device.DefaultSampleRate)
	}
	frames := p.FramesPerBuffer
	if frames <= 0 {
		frames = rate / 50
	}

	buffer := make([]int16, frames*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: frames,
	}, buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}

	return &portAudioStream{
		stream:   stream,
		buffer:   buffer,
		channels: channels,
		rate:     rate,
	}, nil
}

// Close terminates PortAudio. Streams opened from the host must be closed
// first.
func (h *PortAudioHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return portaudio.Terminate()
}

func hostDevice(index int, d *portaudio.DeviceInfo) *HostDevice {
	if d == nil {
		return nil
	}
	hd := &HostDevice{
		Index:             index,
		Name:              d.Name,
		MaxInputChannels:  d.MaxInputChannels,
		MaxOutputChannels: d.MaxOutputChannels,
		DefaultSampleRate: d.DefaultSampleRate,
		DefaultLatency:    d.DefaultLowInputLatency,
	}
	if d.HostApi != nil {
		hd.HostAPI = d.HostApi.Name
	}
	return hd
}

type portAudioStream struct {
	stream   *portaudio.Stream
	buffer   []int16
	channels int
	rate     int
	aborted  atomic.Bool

	// mu serializes Abort and Close; PortAudio frees the stream on close.
	mu     sync.Mutex
	closed bool
}

func (s *portAudioStream) Read() (pcm.Frame, error) {
	if s.aborted.Load() {
		return pcm.Frame{}, ErrStreamAborted
	}
	if err := s.stream.Read(); err != nil {
		if s.aborted.Load() {
			return pcm.Frame{}, ErrStreamAborted
		}
		if errors.Is(err, portaudio.InputOverflowed) {
			return pcm.Frame{}, fmt.Errorf("%w: %w", ErrInputOverflow, err)
		}
		return pcm.Frame{}, err
	}
	return pcm.Frame{
		Samples:    downmixInterleaved(s.buffer, s.channels, len(s.buffer)/s.channels),
		SampleRate: s.rate,
		Channels:   1,
	}, nil
}

// Abort is a no-op once the stream has been aborted or closed.
func (s *portAudioStream) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.aborted.Swap(true) {
		return nil
	}
	return s.stream.Abort()
}

func (s *portAudioStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.aborted.Store(true)
	return s.stream.Close()
}

func (s *portAudioStream) Format() pcm.Format {
	return pcm.Format{SampleRate: s.rate, Channels: 1}
}

// downmixInterleaved averages interleaved channels into a new mono slice.
func downmixInterleaved(buffer []int16, channels, frames int) []int16 {
	out := make([]int16, frames)
	if channels <= 1 {
		copy(out, buffer[:frames])
		return out
	}
	for i := range frames {
		var sum int32
		base := i * channels
		for c := range channels {
			sum += int32(buffer[base+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}
