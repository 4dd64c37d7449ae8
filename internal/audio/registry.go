// Package audio discovers capture devices and opens input streams on them.
package audio

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// loopbackMarkers identify endpoints that capture system output.
var loopbackMarkers = []string{"loopback", "stereo mix", "what u hear", "wave out mix"}

// Registry enumerates and validates capture devices on a Host.
type Registry struct {
	host Host
	log  zerolog.Logger
}

// NewRegistry wraps host. The registry takes ownership of host and releases
// it in Close.
func NewRegistry(host Host, log zerolog.Logger) *Registry {
	return &Registry{host: host, log: log}
}

// ListDevices returns every endpoint with at least one input channel,
// including loopback endpoints. Malformed entries are skipped with a warning.
func (r *Registry) ListDevices() ([]AudioDevice, error) {
	raw, err := r.host.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceEnumeration, err)
	}

	defaultIndex := -1
	if def, err := r.host.DefaultInputDevice(); err == nil && def != nil {
		defaultIndex = def.Index
	}

	devices := make([]AudioDevice, 0, len(raw))
	for i, d := range raw {
		if reason := malformed(d); reason != "" {
			r.log.Warn().Int("position", i).Str("reason", reason).Msg("Skipping malformed audio device")
			continue
		}
		if d.MaxInputChannels < 1 {
			continue
		}
		dev := toDevice(d)
		dev.IsDefault = d.Index == defaultIndex
		devices = append(devices, dev)
	}
	return devices, nil
}

// DefaultInputDevice returns the host's default input, if it reports one.
func (r *Registry) DefaultInputDevice() (AudioDevice, bool) {
	d, err := r.host.DefaultInputDevice()
	if err != nil || d == nil || malformed(d) != "" || d.MaxInputChannels < 1 {
		if err != nil {
			r.log.Debug().Err(err).Msg("No default input device")
		}
		return AudioDevice{}, false
	}
	dev := toDevice(d)
	dev.IsDefault = true
	return dev, true
}

// DefaultLoopbackDevice returns the first loopback endpoint, if any.
func (r *Registry) DefaultLoopbackDevice() (AudioDevice, bool) {
	devices, err := r.ListDevices()
	if err != nil {
		r.log.Debug().Err(err).Msg("No loopback device")
		return AudioDevice{}, false
	}
	for _, d := range devices {
		if d.IsLoopback {
			return d, true
		}
	}
	return AudioDevice{}, false
}

// Validate reports whether id currently resolves to an input-capable device.
func (r *Registry) Validate(id int) bool {
	_, err := r.Lookup(id)
	return err == nil
}

// Lookup returns the device with the given id.
func (r *Registry) Lookup(id int) (AudioDevice, error) {
	devices, err := r.ListDevices()
	if err != nil {
		return AudioDevice{}, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return AudioDevice{}, fmt.Errorf("%w: no input device with id %d", ErrInvalidDevice, id)
}

// Open validates id and opens an input stream on it. The caller owns the
// returned stream.
func (r *Registry) Open(id int, p StreamParams) (Stream, error) {
	raw, err := r.host.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceEnumeration, err)
	}
	for _, d := range raw {
		if malformed(d) != "" || d.Index != id {
			continue
		}
		if d.MaxInputChannels < 1 {
			break
		}
		if p.Channels > d.MaxInputChannels {
			p.Channels = d.MaxInputChannels
		}
		stream, err := r.host.OpenInput(d, p)
		if err != nil {
			return nil, fmt.Errorf("open device %d (%s): %w", id, d.Name, err)
		}
		r.log.Info().
			Int("device_id", id).
			Str("name", d.Name).
			Str("format", stream.Format().String()).
			Msg("Opened input stream")
		return stream, nil
	}
	return nil, fmt.Errorf("%w: no input device with id %d", ErrInvalidDevice, id)
}

// Close releases the audio subsystem.
func (r *Registry) Close() error {
	return r.host.Close()
}

func malformed(d *HostDevice) string {
	switch {
	case d == nil:
		return "nil entry"
	case strings.TrimSpace(d.Name) == "":
		return "empty name"
	case d.MaxInputChannels < 0:
		return "negative channel count"
	case d.DefaultSampleRate <= 0:
		return "non-positive sample rate"
	}
	return ""
}

func toDevice(d *HostDevice) AudioDevice {
	return AudioDevice{
		ID:            d.Index,
		Name:          d.Name,
		InputChannels: d.MaxInputChannels,
		SampleRate:    int(d.DefaultSampleRate),
		IsLoopback:    isLoopback(d.Name),
	}
}

func isLoopback(name string) bool {
	n := strings.ToLower(name)
	if strings.HasPrefix(n, "monitor of") {
		return true
	}
	for _, m := range loopbackMarkers {
		if strings.Contains(n, m) {
			return true
		}
	}
	return false
}
