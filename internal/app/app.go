package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/hearsay/internal/audio"
	"github.com/petems/hearsay/internal/capture"
	"github.com/petems/hearsay/internal/config"
	"github.com/petems/hearsay/internal/observe"
	"github.com/petems/hearsay/internal/sink"
)

// Capture is the coordinator surface the app drives.
type Capture interface {
	Start(ctx context.Context, micID, desktopID int) error
	Stop() error
	ReadProcessedChunk() ([]byte, bool)
	State() capture.State
	Err() error
}

// Devices resolves configured and default devices.
type Devices interface {
	ListDevices() ([]audio.AudioDevice, error)
	DefaultInputDevice() (audio.AudioDevice, bool)
	DefaultLoopbackDevice() (audio.AudioDevice, bool)
}

type Config struct {
	Capture    Capture
	Devices    Devices
	Sink       sink.Sink
	Config     *config.Config
	ConfigPath string // where SetDevices persists; empty uses the platform default
	Logger     zerolog.Logger
	Metrics    *observe.Metrics // optional
}

type App struct {
	capture Capture
	devices Devices
	sink    sink.Sink
	cfg     *config.Config
	cfgPath string
	log     zerolog.Logger
	metrics *observe.Metrics

	mu        sync.Mutex
	capturing bool
	pumpStop  context.CancelFunc
	pumpDone  chan struct{}
}

func New(cfg Config) *App {
	m := cfg.Metrics
	if m == nil {
		m = observe.Nop()
	}
	return &App{
		capture: cfg.Capture,
		devices: cfg.Devices,
		sink:    cfg.Sink,
		cfg:     cfg.Config,
		cfgPath: cfg.ConfigPath,
		log:     cfg.Logger,
		metrics: m,
	}
}

// Start resolves the devices, starts capturing and begins pushing chunks to
// the sink.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activeLocked() {
		return capture.ErrAlreadyRunning
	}
	// A previous session may have ended on its own.
	a.capturing = false
	a.stopPumpLocked()

	mic, desktop := a.resolveDevices()
	a.log.Info().Int("mic_device_id", mic).Int("desktop_device_id", desktop).Msg("Starting capture")

	if err := a.capture.Start(ctx, mic, desktop); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	a.capturing = true

	pumpCtx, cancel := context.WithCancel(context.Background())
	a.pumpStop = cancel
	a.pumpDone = make(chan struct{})
	go a.pump(pumpCtx, a.pumpDone)
	return nil
}

// Stop ends capture and the chunk pump. Chunks already buffered and ready are
// delivered first.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.capturing {
		return capture.ErrNotRunning
	}
	a.capturing = false
	err := a.capture.Stop()
	if errors.Is(err, capture.ErrNotRunning) {
		// Ended by a device failure; the pump already noticed.
		err = nil
	}
	a.stopPumpLocked()
	a.log.Info().Msg("Capture stopped")
	return err
}

func (a *App) stopPumpLocked() {
	if a.pumpStop == nil {
		return
	}
	a.pumpStop()
	<-a.pumpDone
	a.pumpStop = nil
	a.pumpDone = nil
}

// Shutdown stops any running capture and closes the sink.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.IsCapturing() {
		if err := a.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	a.mu.Lock()
	a.stopPumpLocked()
	a.mu.Unlock()

	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// IsCapturing reports whether a capture session is active.
func (a *App) IsCapturing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeLocked()
}

func (a *App) activeLocked() bool {
	return a.capturing && a.capture.State() == capture.Capturing
}

func (a *App) ListDevices() ([]audio.AudioDevice, error) {
	return a.devices.ListDevices()
}

// SetDevices selects the mic and desktop devices and persists the choice.
// Use capture.NoDevice to disable a source.
func (a *App) SetDevices(micID, desktopID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activeLocked() {
		return fmt.Errorf("cannot change devices while capturing")
	}
	if micID == capture.NoDevice && desktopID == capture.NoDevice {
		return fmt.Errorf("%w: no capture device selected", audio.ErrInvalidDevice)
	}

	a.cfg.Audio.MicDevice = &micID
	a.cfg.Audio.DesktopDevice = &desktopID
	return a.cfg.Save(a.cfgPath)
}

// resolveDevices picks configured ids, falling back to the default input for
// the mic and the default loopback for the desktop.
func (a *App) resolveDevices() (mic, desktop int) {
	mic = pick(a.cfg.Audio.MicDevice, a.devices.DefaultInputDevice)
	desktop = pick(a.cfg.Audio.DesktopDevice, a.devices.DefaultLoopbackDevice)
	if a.cfg.Audio.DesktopDevice == nil && desktop == mic {
		// The default input is itself the loopback device.
		desktop = capture.NoDevice
	}
	return mic, desktop
}

func pick(configured *int, fallback func() (audio.AudioDevice, bool)) int {
	if configured != nil {
		return *configured
	}
	if d, ok := fallback(); ok {
		return d.ID
	}
	return capture.NoDevice
}

// pump moves ready chunks from the coordinator to the sink every poll
// interval until stopped, then drains what is left.
func (a *App) pump(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	sendLog := a.log.Sample(&zerolog.BurstSampler{Burst: 3, Period: 5 * time.Second})

	ticker := time.NewTicker(a.cfg.Buffer.PollInterval)
	defer ticker.Stop()

	drain := func() {
		for {
			chunk, ok := a.capture.ReadProcessedChunk()
			if !ok {
				return
			}
			sendCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			err := a.sink.Send(sendCtx, chunk)
			cancel()
			if err != nil {
				a.metrics.RecordSink(ctx, "error")
				sendLog.Error().Err(err).Msg("Sink error")
				continue
			}
			a.metrics.RecordSink(ctx, "ok")
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case <-ticker.C:
			drain()
			if a.capture.State() == capture.Idle {
				if err := a.capture.Err(); err != nil {
					a.log.Error().Err(err).Msg("Capture ended")
				}
				return
			}
		}
	}
}
