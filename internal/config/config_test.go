package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petems/hearsay/internal/mixer"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromReaderOverlaysDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
log_level: debug
audio:
  mic_device: 3
  desktop_device: -1
  pair_window: 40ms
  mic_weight: 2
buffer:
  target_latency: 300ms
sink:
  kind: websocket
  url: ws://localhost:8080/stream
  headers:
    Authorization: Token abc
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Audio.MicDevice == nil || *cfg.Audio.MicDevice != 3 {
		t.Errorf("MicDevice = %v", cfg.Audio.MicDevice)
	}
	if cfg.Audio.DesktopDevice == nil || *cfg.Audio.DesktopDevice != NoDevice {
		t.Errorf("DesktopDevice = %v", cfg.Audio.DesktopDevice)
	}
	if cfg.Audio.PairWindow != 40*time.Millisecond {
		t.Errorf("PairWindow = %v", cfg.Audio.PairWindow)
	}
	if w := cfg.Audio.Weights(); w.Mic != 2 || w.Desktop != 1 {
		t.Errorf("Weights = %+v", w)
	}
	if cfg.Buffer.TargetLatency != 300*time.Millisecond {
		t.Errorf("TargetLatency = %v", cfg.Buffer.TargetLatency)
	}
	// Untouched keys keep their defaults.
	if cfg.Buffer.MaxLatency != time.Second || cfg.Audio.MixRate != 44100 || !cfg.Audio.NoiseReduction {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.Sink.Headers["Authorization"] != "Token abc" {
		t.Errorf("Headers = %v", cfg.Sink.Headers)
	}
}

func TestLoadFromReaderEmpty(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Buffer.SampleRate != 16000 {
		t.Fatalf("expected defaults, got %+v", cfg.Buffer)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("audio:\n  hotkey: Alt+Space\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.Audio.MicWeight = -1
	cfg.Buffer.TargetLatency = 2 * time.Second
	cfg.Sink.Kind = SinkFile

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "weights", "target latency", "sink.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateSources(t *testing.T) {
	none, bad := NoDevice, -5
	tests := []struct {
		name      string
		mic, desk *int
		wantErr   bool
	}{
		{"defaults", nil, nil, false},
		{"mic only", nil, &none, false},
		{"both disabled", &none, &none, true},
		{"negative id", &bad, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Audio.MicDevice = tt.mic
			cfg.Audio.DesktopDevice = tt.desk
			if err := Validate(cfg); (err != nil) != tt.wantErr {
				t.Fatalf("wantErr %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateSinkKinds(t *testing.T) {
	tests := []struct {
		sink    SinkConfig
		wantErr bool
	}{
		{SinkConfig{Kind: SinkStdout}, false},
		{SinkConfig{Kind: SinkNone}, false},
		{SinkConfig{Kind: SinkFile, Path: "/tmp/out.pcm"}, false},
		{SinkConfig{Kind: SinkWebSocket, URL: "wss://stt.example.com/v1"}, false},
		{SinkConfig{Kind: SinkWebSocket, URL: "http://stt.example.com"}, true},
		{SinkConfig{Kind: "clipboard"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.sink.Kind, func(t *testing.T) {
			cfg := Default()
			cfg.Sink = tt.sink
			if err := Validate(cfg); (err != nil) != tt.wantErr {
				t.Fatalf("wantErr %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sink.Kind != SinkStdout {
		t.Fatalf("expected default sink, got %q", cfg.Sink.Kind)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearsay", "config.yaml")
	cfg := Default()
	mic := 4
	cfg.Audio.MicDevice = &mic
	cfg.Buffer.TargetLatency = 150 * time.Millisecond
	cfg.MetricsAddr = ":9090"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "target_latency: 150ms") {
		t.Fatalf("durations should be written as strings:\n%s", data)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Audio.MicDevice == nil || *got.Audio.MicDevice != 4 || got.Audio.DesktopDevice != nil {
		t.Fatalf("device ids not preserved: %v %v", got.Audio.MicDevice, got.Audio.DesktopDevice)
	}
	if got.Buffer.TargetLatency != 150*time.Millisecond || got.MetricsAddr != ":9090" {
		t.Fatalf("values not preserved: %+v", got)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("buffer:\n  max_latency: 10ms\n  chunk_samples: 1600\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unexpected not-exist error: %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	if !strings.HasSuffix(DefaultPath(), filepath.Join("hearsay", "config.yaml")) {
		t.Fatalf("unexpected path %q", DefaultPath())
	}
}

func TestChannelMode(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("audio:\n  channel_mode: stereo\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Audio.Mode() != mixer.Stereo {
		t.Fatalf("expected stereo, got %s", cfg.Audio.Mode())
	}
	if ch := cfg.BufferSpec().Channels; ch != 2 {
		t.Fatalf("expected a 2 channel buffer, got %d", ch)
	}
	if ch := Default().BufferSpec().Channels; ch != 1 {
		t.Fatalf("expected a mono buffer by default, got %d", ch)
	}

	cfg.Audio.ChannelMode = "surround"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "channel_mode") {
		t.Fatalf("expected channel_mode error, got %v", err)
	}
}

func TestValidateBlockDuration(t *testing.T) {
	cfg := Default()
	if cfg.Audio.BlockDuration != 20*time.Millisecond {
		t.Fatalf("expected 20ms default block, got %v", cfg.Audio.BlockDuration)
	}
	cfg.Audio.BlockDuration = 0
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "block_duration") {
		t.Fatalf("expected block_duration error, got %v", err)
	}
}
