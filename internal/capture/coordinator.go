// Package capture drives the real-time pipeline: it owns the device streams,
// runs one reader goroutine per stream plus a processing goroutine, and feeds
// conditioned, mixed audio into the latency buffer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/petems/hearsay/internal/audio"
	"github.com/petems/hearsay/internal/buffer"
	"github.com/petems/hearsay/internal/conditioner"
	"github.com/petems/hearsay/internal/mixer"
	"github.com/petems/hearsay/internal/observe"
	"github.com/petems/hearsay/internal/pcm"
)

// NoDevice marks a source that should not be captured.
const NoDevice = -1

var (
	// ErrNotRunning is returned by Stop when no capture is active.
	ErrNotRunning = errors.New("capture: not running")
	// ErrAlreadyRunning is returned by Start while a capture is active.
	ErrAlreadyRunning = errors.New("capture: already running")
	// ErrStopTimeout is returned by Stop when the session did not wind down
	// within StopTimeout. It keeps releasing its streams in the background.
	ErrStopTimeout = errors.New("capture: stop timed out")
	// ErrStopping is returned by Start while a timed-out session still holds
	// its streams.
	ErrStopping = errors.New("capture: previous session still stopping")
)

// Source identifies one of the two capture inputs.
type Source int

const (
	Mic Source = iota
	Desktop
)

func (s Source) String() string {
	switch s {
	case Mic:
		return "mic"
	case Desktop:
		return "desktop"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// State is the coordinator lifecycle state.
type State int

const (
	Idle State = iota
	Capturing
)

func (s State) String() string {
	if s == Capturing {
		return "capturing"
	}
	return "idle"
}

// Devices is the part of the device registry the coordinator needs.
type Devices interface {
	Lookup(id int) (audio.AudioDevice, error)
	Open(id int, p audio.StreamParams) (audio.Stream, error)
}

// Options configures a Coordinator. Zero values select the defaults noted on
// each field.
type Options struct {
	Devices Devices
	Buffer  *buffer.LatencyBuffer // channel count must match ChannelMode

	Mixer       *mixer.Mixer      // default: unity gain
	Weights     mixer.Weights     // default: equal weights; unused in stereo
	ChannelMode mixer.ChannelMode // default: mono mix

	MicConditioner     *conditioner.Conditioner // default: conditioner.New()
	DesktopConditioner *conditioner.Conditioner // default: conditioner.New()

	CaptureRate int // requested device rate; 0 uses each device's default
	MixRate     int // default 44100
	// BlockDuration is the length of audio returned by each device read.
	// Every device reads the same duration at its own rate. Default 20 ms.
	BlockDuration time.Duration

	// QueueDepth bounds the frames waiting between a reader and the
	// processor. Frames arriving at a full queue are dropped. Default 8.
	QueueDepth int
	// PairWindow is how long a frame from one source waits for its
	// counterpart before being mixed alone. Default 25 ms.
	PairWindow time.Duration
	// CalibrationFrames is the number of leading frames per source used to
	// calibrate that source's noise floor. Zero disables calibration.
	CalibrationFrames int
	// StopTimeout bounds how long Stop waits for goroutines. Default 2 s.
	StopTimeout time.Duration

	Metrics *observe.Metrics
	Logger  zerolog.Logger
}

// Stats describes the current or most recent capture session.
type Stats struct {
	FramesCaptured int64
	FramesDropped  int64
	FramesMixed    int64
	BytesProduced  int64
	ClippedSamples int64 // output samples above 99% of full scale
	SilentFrames   int64 // output frames with no sample above 1% of full scale
	StartedAt      time.Time
	LastFrameAt    time.Time
}

// Coordinator owns the capture lifecycle: Idle -> Capturing -> Idle.
type Coordinator struct {
	devices  Devices
	buf      *buffer.LatencyBuffer
	mix      *mixer.Mixer
	weights  mixer.Weights
	mode     mixer.ChannelMode
	cond     [2]*conditioner.Conditioner
	capRate  int
	block    time.Duration
	mixRate  int
	outRate  int
	depth    int
	window   time.Duration
	calFrame int
	timeout  time.Duration
	metrics  *observe.Metrics
	log      zerolog.Logger
	frameLog zerolog.Logger

	mu      sync.Mutex
	run     *session
	lastErr error

	statsMu sync.Mutex
	stats   Stats
}

type session struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool // guarded by Coordinator.mu
}

// streamSet holds the streams a session still owns. A stream leaves the set
// before it is closed, so it is never aborted after close, and Abort and
// Close never run at the same time.
type streamSet struct {
	mu      sync.Mutex
	streams [2]audio.Stream
}

func (s *streamSet) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if st != nil {
			st.Abort()
		}
	}
}

func (s *streamSet) release(src Source) {
	s.mu.Lock()
	st := s.streams[src]
	s.streams[src] = nil
	s.mu.Unlock()
	if st != nil {
		st.Close()
	}
}

// New validates opts and returns an idle Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Devices == nil {
		return nil, errors.New("capture: devices are required")
	}
	if opts.Buffer == nil {
		return nil, errors.New("capture: buffer is required")
	}
	bufCfg := opts.Buffer.Config()
	if want := opts.ChannelMode.Channels(); bufCfg.Channels != want {
		return nil, fmt.Errorf("capture: %s output needs a %d channel buffer, got %d", opts.ChannelMode, want, bufCfg.Channels)
	}
	if opts.Mixer == nil {
		opts.Mixer = mixer.New()
	}
	if opts.Weights == (mixer.Weights{}) {
		opts.Weights = mixer.EqualWeights
	}
	if err := opts.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.MicConditioner == nil {
		opts.MicConditioner = conditioner.New()
	}
	if opts.DesktopConditioner == nil {
		opts.DesktopConditioner = conditioner.New()
	}
	if opts.MicConditioner == opts.DesktopConditioner {
		return nil, errors.New("capture: each source needs its own conditioner")
	}
	if opts.MixRate <= 0 {
		opts.MixRate = 44100
	}
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = 20 * time.Millisecond
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 8
	}
	if opts.PairWindow <= 0 {
		opts.PairWindow = 25 * time.Millisecond
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.Nop()
	}

	return &Coordinator{
		devices:  opts.Devices,
		buf:      opts.Buffer,
		mix:      opts.Mixer,
		weights:  opts.Weights,
		mode:     opts.ChannelMode,
		cond:     [2]*conditioner.Conditioner{opts.MicConditioner, opts.DesktopConditioner},
		capRate:  opts.CaptureRate,
		block:    opts.BlockDuration,
		mixRate:  opts.MixRate,
		outRate:  bufCfg.SampleRate,
		depth:    opts.QueueDepth,
		window:   opts.PairWindow,
		calFrame: opts.CalibrationFrames,
		timeout:  opts.StopTimeout,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		frameLog: opts.Logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Second}),
	}, nil
}

// Start validates the device ids, opens a stream for each selected source and
// begins capturing. Pass NoDevice to leave a source out. If any stream fails
// to open, the ones already opened are closed and the coordinator stays Idle.
func (c *Coordinator) Start(ctx context.Context, micID, desktopID int) (err error) {
	ctx, span := observe.StartSpan(ctx, "capture.start", trace.WithAttributes(
		attribute.Int("mic_device_id", micID),
		attribute.Int("desktop_device_id", desktopID),
	))
	defer func() { observe.EndSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != nil {
		if c.run.stopping {
			return ErrStopping
		}
		return ErrAlreadyRunning
	}

	ids := [2]int{micID, desktopID}
	if micID == NoDevice && desktopID == NoDevice {
		return fmt.Errorf("%w: no capture device selected", audio.ErrInvalidDevice)
	}
	var params [2]audio.StreamParams
	for src, id := range ids {
		if id == NoDevice {
			continue
		}
		dev, lookupErr := c.devices.Lookup(id)
		if lookupErr != nil {
			return fmt.Errorf("%s device: %w", Source(src), lookupErr)
		}
		params[src] = c.streamParams(dev)
	}

	var streams [2]audio.Stream
	defer func() {
		if err == nil {
			return
		}
		for _, s := range streams {
			if s != nil {
				s.Close()
			}
		}
	}()
	for src, id := range ids {
		if id == NoDevice {
			continue
		}
		s, openErr := c.devices.Open(id, params[src])
		if openErr != nil {
			return fmt.Errorf("open %s stream: %w", Source(src), openErr)
		}
		streams[src] = s
	}

	c.buf.Reset()
	c.statsMu.Lock()
	c.stats = Stats{StartedAt: time.Now()}
	c.statsMu.Unlock()
	c.lastErr = nil

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)

	// Blocked device reads only return once the stream is aborted.
	owned := &streamSet{streams: streams}
	stopAbort := context.AfterFunc(gctx, owned.abort)

	var inputs [2]chan pcm.Frame
	for src, s := range streams {
		if s == nil {
			continue
		}
		inputs[src] = make(chan pcm.Frame, c.depth)
		g.Go(func() error {
			return c.capture(gctx, Source(src), owned, s, inputs[src])
		})
	}
	g.Go(func() error {
		return c.process(gctx, inputs[Mic], inputs[Desktop])
	})

	run := &session{cancel: cancel, done: make(chan struct{})}
	c.run = run
	c.metrics.ActiveCaptures.Add(ctx, 1)

	go func() {
		werr := g.Wait()
		stopAbort()
		cancel()
		c.finish(run, werr)
		c.metrics.ActiveCaptures.Add(context.Background(), -1)
		close(run.done)
	}()

	c.log.Info().
		Int("mic_device_id", micID).
		Int("desktop_device_id", desktopID).
		Int("mix_rate", c.mixRate).
		Stringer("channel_mode", c.mode).
		Int("output_rate", c.outRate).
		Msg("Capture started")
	return nil
}

// Stop ends the running capture and waits up to StopTimeout for the device
// streams to be released. It returns ErrNotRunning when Idle, including after
// a fatal capture error has already ended the session. On ErrStopTimeout the
// coordinator reports Idle but refuses Start with ErrStopping until the old
// session has released its streams.
func (c *Coordinator) Stop() (err error) {
	_, span := observe.StartSpan(context.Background(), "capture.stop")
	defer func() { observe.EndSpan(span, err) }()

	c.mu.Lock()
	run := c.run
	if run == nil || run.stopping {
		c.mu.Unlock()
		return ErrNotRunning
	}
	run.stopping = true
	c.mu.Unlock()

	run.cancel()
	select {
	case <-run.done:
		c.log.Info().Msg("Capture stopped")
		return nil
	case <-time.After(c.timeout):
		c.log.Warn().Dur("timeout", c.timeout).Msg("Capture goroutines still running after stop timeout")
		return fmt.Errorf("%w after %v", ErrStopTimeout, c.timeout)
	}
}

// ReadProcessedChunk returns the next chunk for the transcriber, or false if
// the buffer has not reached its target latency yet. It never blocks.
func (c *Coordinator) ReadProcessedChunk() ([]byte, bool) {
	chunk, ok := c.buf.Read()
	if !ok {
		c.metrics.BufferNotReady.Add(context.Background(), 1)
	}
	return chunk, ok
}

// Calibrate sets the noise floor of src from f, which should be ambient noise.
func (c *Coordinator) Calibrate(src Source, f pcm.Frame) error {
	if src != Mic && src != Desktop {
		return fmt.Errorf("capture: unknown source %d", int(src))
	}
	return c.cond[src].Calibrate(f)
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil && !c.run.stopping {
		return Capturing
	}
	return Idle
}

// Err returns the error that ended the last session, if it ended on its own.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stats returns a snapshot of the session counters.
func (c *Coordinator) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// BufferLatency reports how much audio is waiting in the buffer.
func (c *Coordinator) BufferLatency() time.Duration {
	return c.buf.CurrentLatency()
}

// finish clears the session once all of its goroutines have exited. Only a
// session that ended on its own records an error.
func (c *Coordinator) finish(run *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == run {
		c.run = nil
	}
	if run.stopping {
		return
	}
	c.lastErr = err
	if err != nil {
		c.log.Error().Err(err).Msg("Capture failed")
	}
}

// streamParams requests BlockDuration of audio per read at the capture rate,
// or at the device's own rate when none is configured.
func (c *Coordinator) streamParams(dev audio.AudioDevice) audio.StreamParams {
	rate := c.capRate
	if rate <= 0 {
		rate = dev.SampleRate
	}
	frames := int(int64(rate) * int64(c.block) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	return audio.StreamParams{SampleRate: rate, Channels: 1, FramesPerBuffer: frames}
}

// capture reads from one stream until the context ends or the device fails.
// It owns the stream and releases it from the set on every exit path.
func (c *Coordinator) capture(ctx context.Context, src Source, owned *streamSet, s audio.Stream, out chan<- pcm.Frame) error {
	defer owned.release(src)
	for {
		f, err := s.Read()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, audio.ErrInputOverflow) {
				c.frameLog.Warn().Stringer("source", src).Msg("Input overflow")
				c.metrics.RecordDrop(ctx, src.String(), "overflow")
				c.addDropped()
				continue
			}
			return fmt.Errorf("%s capture: %w", src, err)
		}

		c.metrics.RecordCaptured(ctx, src.String())
		c.statsMu.Lock()
		c.stats.FramesCaptured++
		c.stats.LastFrameAt = time.Now()
		c.statsMu.Unlock()

		select {
		case out <- f:
		case <-ctx.Done():
			return nil
		default:
			// Drop if the processor is behind (backpressure).
			c.metrics.RecordDrop(ctx, src.String(), "queue_full")
			c.addDropped()
		}
	}
}

// calibration collects the first frames of a source into one noise sample.
type calibration struct {
	remaining int
	frames    []pcm.Frame
}

// process conditions frames as they arrive and mixes them in pairs. A frame
// whose counterpart has not arrived within the pair window is mixed alone so
// that one stalled device never holds up the other.
func (c *Coordinator) process(ctx context.Context, mic, desktop <-chan pcm.Frame) error {
	both := mic != nil && desktop != nil
	cal := [2]*calibration{}
	if c.calFrame > 0 {
		cal[Mic] = &calibration{remaining: c.calFrame}
		cal[Desktop] = &calibration{remaining: c.calFrame}
	}

	// Each stream keeps its own resampling phase.
	toMix := [2]*mixer.Resampler{mixer.NewResampler(c.mixRate), mixer.NewResampler(c.mixRate)}
	toOut := mixer.NewResampler(c.outRate)

	var pending [2]*pcm.Frame
	timer := time.NewTimer(c.window)
	timer.Stop()
	defer timer.Stop()
	var timerC <-chan time.Time

	flush := func() {
		if pending[Mic] != nil || pending[Desktop] != nil {
			c.emit(ctx, toOut, pending[Mic], pending[Desktop])
		}
		pending = [2]*pcm.Frame{}
		timer.Stop()
		timerC = nil
	}

	for {
		var f pcm.Frame
		var src Source
		select {
		case <-ctx.Done():
			return nil
		case f = <-mic:
			src = Mic
		case f = <-desktop:
			src = Desktop
		case <-timerC:
			flush()
			continue
		}

		if cal[src] != nil && cal[src].remaining > 0 {
			c.collectCalibration(src, cal[src], f)
			continue
		}

		prepared, err := c.prepare(src, toMix[src], f)
		if err != nil {
			c.dropFrame(ctx, src, "processing", err)
			continue
		}

		if pending[src] != nil {
			flush()
		}
		pending[src] = &prepared
		if !both || (pending[Mic] != nil && pending[Desktop] != nil) {
			flush()
			continue
		}
		if timerC == nil {
			timer.Reset(c.window)
			timerC = timer.C
		}
	}
}

func (c *Coordinator) collectCalibration(src Source, cal *calibration, f pcm.Frame) {
	cal.frames = append(cal.frames, f)
	cal.remaining--
	if cal.remaining > 0 {
		return
	}
	sample, err := pcm.Concat(cal.frames...)
	cal.frames = nil
	if err == nil {
		err = c.cond[src].Calibrate(sample)
	}
	if err != nil {
		c.log.Warn().Err(err).Stringer("source", src).Msg("Noise calibration failed")
		return
	}
	floor, _ := c.cond[src].NoiseFloor()
	c.log.Info().Stringer("source", src).Float64("noise_floor", floor).Dur("window", sample.Duration()).Msg("Calibrated noise floor")
}

// prepare conditions one source frame and brings it to the mix rate.
func (c *Coordinator) prepare(src Source, rs *mixer.Resampler, f pcm.Frame) (pcm.Frame, error) {
	conditioned, err := c.cond[src].Process(f)
	if err != nil {
		return pcm.Frame{}, err
	}
	return rs.Process(conditioned)
}

// emit combines the pending frames and writes the result to the buffer.
func (c *Coordinator) emit(ctx context.Context, rs *mixer.Resampler, mic, desktop *pcm.Frame) {
	start := time.Now()
	src := Mic
	if mic == nil {
		src = Desktop
	}

	var mixed pcm.Frame
	var peak float64
	var err error
	if c.mode == mixer.Stereo {
		mixed, peak, err = c.mix.Interleave(mic, desktop)
	} else {
		mixed, peak, err = c.mix.Mix(mic, desktop, c.weights)
	}
	if err != nil {
		c.dropFrame(ctx, src, "mix", err)
		return
	}
	c.metrics.RecordMix(ctx, peak, peak >= mixer.FullScale)

	out, err := rs.Process(mixed)
	if err != nil {
		c.dropFrame(ctx, src, "resample", err)
		return
	}
	if len(out.Samples) == 0 {
		return
	}

	payload := pcm.Encode(out.Samples)
	droppedBefore := c.buf.Stats().BytesDropped
	if err := c.buf.Write(payload); err != nil {
		c.dropFrame(ctx, src, "buffer", err)
		return
	}
	if dropped := c.buf.Stats().BytesDropped - droppedBefore; dropped > 0 {
		c.metrics.BufferDroppedBytes.Add(ctx, dropped)
		c.frameLog.Debug().Int64("bytes", dropped).Msg("Latency buffer full, dropped oldest audio")
	}

	lv := pcm.Analyze(out.Samples)
	c.statsMu.Lock()
	c.stats.FramesMixed++
	c.stats.BytesProduced += int64(len(payload))
	c.stats.ClippedSamples += int64(lv.Clipped)
	if lv.Silent == len(out.Samples) {
		c.stats.SilentFrames++
	}
	c.statsMu.Unlock()
	c.metrics.ProcessingDuration.Record(ctx, time.Since(start).Seconds())
}

func (c *Coordinator) dropFrame(ctx context.Context, src Source, reason string, err error) {
	c.frameLog.Warn().Err(err).Stringer("source", src).Str("reason", reason).Msg("Dropping frame")
	c.metrics.RecordDrop(ctx, src.String(), reason)
	c.addDropped()
}

func (c *Coordinator) addDropped() {
	c.statsMu.Lock()
	c.stats.FramesDropped++
	c.statsMu.Unlock()
}
