package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/petems/hearsay/internal/app"
	"github.com/petems/hearsay/internal/audio"
	"github.com/petems/hearsay/internal/buffer"
	"github.com/petems/hearsay/internal/capture"
	"github.com/petems/hearsay/internal/conditioner"
	"github.com/petems/hearsay/internal/config"
	"github.com/petems/hearsay/internal/logging"
	"github.com/petems/hearsay/internal/mixer"
	"github.com/petems/hearsay/internal/observe"
	"github.com/petems/hearsay/internal/permissions"
	"github.com/petems/hearsay/internal/sink"
)

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log, err := logging.NewWithLevel(cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func runCapture(ctx context.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	telOpts := observe.TelemetryOptions{Version: Version}
	if cfg.TraceFile != "" {
		traceOut, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer traceOut.Close()
		telOpts.Spans = traceOut
	}
	telemetry, err := observe.Setup(telOpts)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown error")
		}
	}()
	metrics, err := observe.NewMetrics(telemetry.MeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, log)
		defer srv.Close()
	}

	// macOS requires explicit microphone approval before capture works
	if err := permissions.EnsureMicrophone(log); err != nil {
		return err
	}

	host, err := audio.NewPortAudioHost()
	if err != nil {
		return err
	}
	registry := audio.NewRegistry(host, log)
	defer registry.Close()

	coord, err := newCoordinator(cfg, registry, metrics, log)
	if err != nil {
		return err
	}
	unregister, err := metrics.RegisterBufferLatency(coord.BufferLatency)
	if err != nil {
		return fmt.Errorf("register buffer latency: %w", err)
	}
	defer unregister()

	out, err := openSink(ctx, cfg.Sink, log)
	if err != nil {
		return err
	}

	application := app.New(app.Config{
		Capture:    coord,
		Devices:    registry,
		Sink:       out,
		Config:     cfg,
		ConfigPath: cfgFile,
		Logger:     log,
		Metrics:    metrics,
	})

	log.Info().Str("version", Version).Str("sink", cfg.Sink.Kind).Msg("hearsay starting...")
	if err := application.Start(ctx); err != nil {
		_ = application.Shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down...")
	st := coord.Stats()
	if err := application.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	log.Info().
		Int64("frames_captured", st.FramesCaptured).
		Int64("frames_dropped", st.FramesDropped).
		Int64("bytes_produced", st.BytesProduced).
		Msg("Capture summary")
	return nil
}

func newCoordinator(cfg *config.Config, registry *audio.Registry, metrics *observe.Metrics, log zerolog.Logger) (*capture.Coordinator, error) {
	buf, err := buffer.New(cfg.BufferSpec())
	if err != nil {
		return nil, err
	}
	a := cfg.Audio
	condOpts := []conditioner.Option{
		conditioner.WithGateRatio(a.GateRatio),
		conditioner.WithNoiseReduction(a.NoiseReduction),
		conditioner.WithNormalization(a.Normalization),
	}
	return capture.New(capture.Options{
		Devices:            registry,
		Buffer:             buf,
		Mixer:              &mixer.Mixer{Gain: a.Gain},
		Weights:            a.Weights(),
		ChannelMode:        a.Mode(),
		MicConditioner:     conditioner.New(condOpts...),
		DesktopConditioner: conditioner.New(condOpts...),
		CaptureRate:        a.CaptureRate,
		MixRate:            a.MixRate,
		BlockDuration:      a.BlockDuration,
		PairWindow:         a.PairWindow,
		CalibrationFrames:  a.CalibrationFrames,
		Metrics:            metrics,
		Logger:             log.With().Str("component", "capture").Logger(),
	})
}

func openSink(ctx context.Context, cfg config.SinkConfig, log zerolog.Logger) (sink.Sink, error) {
	switch cfg.Kind {
	case config.SinkFile:
		return sink.NewFileSink(cfg.Path)
	case config.SinkWebSocket:
		header := http.Header{}
		for k, v := range cfg.Headers {
			header.Set(k, v)
		}
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return sink.DialWebSocket(dctx, cfg.URL, header, log.With().Str("component", "sink").Logger())
	case config.SinkNone:
		return sink.NewWriterSink(io.Discard), nil
	default:
		return sink.NewWriterSink(os.Stdout), nil
	}
}

func serveMetrics(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}

func listDevices(w io.Writer) error {
	host, err := audio.NewPortAudioHost()
	if err != nil {
		return err
	}
	registry := audio.NewRegistry(host, zerolog.Nop())
	defer registry.Close()

	devices, err := registry.ListDevices()
	if err != nil {
		return err
	}
	return printDevices(w, devices)
}

func printDevices(w io.Writer, devices []audio.AudioDevice) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCHANNELS\tRATE\t")
	for _, d := range devices {
		var flags string
		if d.IsDefault {
			flags += " [default]"
		}
		if d.IsLoopback {
			flags += " [loopback]"
		}
		fmt.Fprintf(tw, "%d\t%s%s\t%d\t%d\t\n", d.ID, d.Name, flags, d.InputChannels, d.SampleRate)
	}
	return tw.Flush()
}
