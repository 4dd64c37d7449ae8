package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/petems/hearsay/internal/buffer"
	"github.com/petems/hearsay/internal/mixer"
)

// Sink kinds.
const (
	SinkStdout    = "stdout"
	SinkFile      = "file"
	SinkWebSocket = "websocket"
	SinkNone      = "none"
)

// NoDevice disables a source when used as a device id.
const NoDevice = -1

type Config struct {
	LogLevel    string       `yaml:"log_level"`
	Audio       AudioConfig  `yaml:"audio"`
	Buffer      BufferConfig `yaml:"buffer"`
	Sink        SinkConfig   `yaml:"sink"`
	MetricsAddr string       `yaml:"metrics_addr,omitempty"` // e.g. ":9090"; empty disables /metrics
	TraceFile   string       `yaml:"trace_file,omitempty"`   // span export as JSON lines; empty disables
}

type AudioConfig struct {
	// Device ids as listed by "hearsay devices". Unset picks the default
	// input (mic) or the default loopback (desktop); -1 disables the source.
	MicDevice     *int `yaml:"mic_device,omitempty"`
	DesktopDevice *int `yaml:"desktop_device,omitempty"`

	CaptureRate       int           `yaml:"capture_rate"` // 0 uses each device's default
	MixRate           int           `yaml:"mix_rate"`
	BlockDuration     time.Duration `yaml:"block_duration"` // audio per device read
	PairWindow        time.Duration `yaml:"pair_window"`
	CalibrationFrames int           `yaml:"calibration_frames"`

	// ChannelMode is "mono" for a weighted mix or "stereo" for mic on the
	// left and desktop on the right.
	ChannelMode string `yaml:"channel_mode"`

	NoiseReduction bool    `yaml:"noise_reduction"`
	Normalization  bool    `yaml:"normalization"`
	GateRatio      float64 `yaml:"gate_ratio"`

	MicWeight     float64 `yaml:"mic_weight"`
	DesktopWeight float64 `yaml:"desktop_weight"`
	Gain          float64 `yaml:"gain"`
}

type BufferConfig struct {
	SampleRate    int           `yaml:"sample_rate"`
	ChunkSamples  int           `yaml:"chunk_samples"`
	TargetLatency time.Duration `yaml:"target_latency"`
	MaxLatency    time.Duration `yaml:"max_latency"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type SinkConfig struct {
	Kind    string            `yaml:"kind"` // "stdout", "file", "websocket" or "none"
	Path    string            `yaml:"path,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			MixRate:           44100,
			BlockDuration:     20 * time.Millisecond,
			PairWindow:        25 * time.Millisecond,
			CalibrationFrames: 25, // ~0.5 s at 20 ms per read
			ChannelMode:       "mono",
			NoiseReduction:    true,
			Normalization:     true,
			GateRatio:         2.0,
			MicWeight:         1.0,
			DesktopWeight:     1.0,
			Gain:              1.0,
		},
		Buffer: BufferConfig{
			SampleRate:    16000,
			ChunkSamples:  1600, // 100 ms
			TargetLatency: 200 * time.Millisecond,
			MaxLatency:    time.Second,
			PollInterval:  20 * time.Millisecond,
		},
		Sink: SinkConfig{
			Kind: SinkStdout,
		},
	}
}

// Load reads the config at path over the defaults. A missing file yields the
// defaults. An empty path uses DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		return cfg, Validate(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: trace, debug, info, warn, error", cfg.LogLevel))
	}

	a := cfg.Audio
	for name, id := range map[string]*int{"audio.mic_device": a.MicDevice, "audio.desktop_device": a.DesktopDevice} {
		if id != nil && *id < NoDevice {
			errs = append(errs, fmt.Errorf("%s must be -1 or a device id, got %d", name, *id))
		}
	}
	if a.MicDevice != nil && a.DesktopDevice != nil && *a.MicDevice == NoDevice && *a.DesktopDevice == NoDevice {
		errs = append(errs, errors.New("audio: mic_device and desktop_device are both disabled"))
	}
	if a.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate must not be negative, got %d", a.CaptureRate))
	}
	if a.MixRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.mix_rate must be positive, got %d", a.MixRate))
	}
	if a.BlockDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_duration must be positive, got %v", a.BlockDuration))
	}
	if _, err := mixer.ParseChannelMode(a.ChannelMode); err != nil {
		errs = append(errs, fmt.Errorf("audio.channel_mode %q is invalid; valid values: mono, stereo", a.ChannelMode))
	}
	if a.PairWindow <= 0 {
		errs = append(errs, fmt.Errorf("audio.pair_window must be positive, got %v", a.PairWindow))
	}
	if a.CalibrationFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.calibration_frames must not be negative, got %d", a.CalibrationFrames))
	}
	if a.GateRatio <= 0 {
		errs = append(errs, fmt.Errorf("audio.gate_ratio must be positive, got %v", a.GateRatio))
	}
	if err := a.Weights().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio weights: %w", err))
	}
	if a.Gain <= 0 {
		errs = append(errs, fmt.Errorf("audio.gain must be positive, got %v", a.Gain))
	}

	if err := cfg.BufferSpec().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("buffer: %w", err))
	}
	if cfg.Buffer.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("buffer.poll_interval must be positive, got %v", cfg.Buffer.PollInterval))
	}

	switch cfg.Sink.Kind {
	case SinkStdout, SinkNone:
	case SinkFile:
		if cfg.Sink.Path == "" {
			errs = append(errs, errors.New("sink.path is required for the file sink"))
		}
	case SinkWebSocket:
		if !strings.HasPrefix(cfg.Sink.URL, "ws://") && !strings.HasPrefix(cfg.Sink.URL, "wss://") {
			errs = append(errs, fmt.Errorf("sink.url %q must be a ws:// or wss:// URL", cfg.Sink.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("sink.kind %q is invalid; valid values: stdout, file, websocket, none", cfg.Sink.Kind))
	}

	return errors.Join(errs...)
}

// Weights returns the configured mix weights.
func (a AudioConfig) Weights() mixer.Weights {
	return mixer.Weights{Mic: a.MicWeight, Desktop: a.DesktopWeight}
}

// Mode returns the parsed channel mode. An invalid value is Mono; Validate
// reports it.
func (a AudioConfig) Mode() mixer.ChannelMode {
	m, _ := mixer.ParseChannelMode(a.ChannelMode)
	return m
}

// BufferSpec returns the latency buffer settings, with one channel per
// output channel of the configured mode.
func (c *Config) BufferSpec() buffer.Config {
	b := c.Buffer
	return buffer.Config{
		SampleRate:    b.SampleRate,
		Channels:      c.Audio.Mode().Channels(),
		ChunkSamples:  b.ChunkSamples,
		TargetLatency: b.TargetLatency,
		MaxLatency:    b.MaxLatency,
	}
}

// Save writes the config to path, or DefaultPath when path is empty.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultPath returns the platform-specific config file path
func DefaultPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "hearsay", "config.yaml")
}
