// Package conditioner implements per-stream signal conditioning: noise floor
// calibration, a hard noise gate and peak normalization.
//
// A Conditioner starts uncalibrated and passes audio through the gate
// untouched. Calibrate moves it to the calibrated state; there is no way back,
// only recalibration. Each capture stream owns its own Conditioner so the
// noise floor of one source never leaks into another.
package conditioner

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/petems/hearsay/internal/pcm"
)

// ErrProcessing wraps every failure raised while conditioning a frame.
var ErrProcessing = errors.New("conditioner: processing failed")

// DefaultGateRatio is the multiple of the noise floor below which samples are
// zeroed.
const DefaultGateRatio = 2.0

// Conditioner holds the noise profile of a single stream.
type Conditioner struct {
	gateRatio      float64
	noiseReduction bool
	normalization  bool

	mu         sync.RWMutex
	noiseFloor float64
	calibrated bool
}

// Option configures a Conditioner.
type Option func(*Conditioner)

// WithGateRatio overrides DefaultGateRatio. Non-positive values are ignored.
func WithGateRatio(r float64) Option {
	return func(c *Conditioner) {
		if r > 0 {
			c.gateRatio = r
		}
	}
}

// WithNoiseReduction toggles the noise gate in Process.
func WithNoiseReduction(enabled bool) Option {
	return func(c *Conditioner) { c.noiseReduction = enabled }
}

// WithNormalization toggles peak normalization in Process.
func WithNormalization(enabled bool) Option {
	return func(c *Conditioner) { c.normalization = enabled }
}

// New returns an uncalibrated Conditioner with both stages enabled.
func New(opts ...Option) *Conditioner {
	c := &Conditioner{
		gateRatio:      DefaultGateRatio,
		noiseReduction: true,
		normalization:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calibrate sets the noise floor to the mean absolute amplitude of f, which is
// taken to be ambient noise. Each call replaces the previous profile.
func (c *Conditioner) Calibrate(f pcm.Frame) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: calibrate: %w", ErrProcessing, err)
	}
	if len(f.Samples) == 0 {
		return fmt.Errorf("%w: calibrate: empty frame", ErrProcessing)
	}
	floor := pcm.MeanAbs(f.Samples)

	c.mu.Lock()
	c.noiseFloor = floor
	c.calibrated = true
	c.mu.Unlock()
	return nil
}

// NoiseFloor reports the current noise floor and whether one has been set.
func (c *Conditioner) NoiseFloor() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noiseFloor, c.calibrated
}

// Calibrated reports whether Calibrate has succeeded at least once.
func (c *Conditioner) Calibrated() bool {
	_, ok := c.NoiseFloor()
	return ok
}

// ReduceNoise applies the noise gate. Uncalibrated, it returns a copy of f.
// Calibrated, every sample whose magnitude is below gateRatio × floor becomes
// exactly zero.
func (c *Conditioner) ReduceNoise(f pcm.Frame) (pcm.Frame, error) {
	if err := f.Validate(); err != nil {
		return pcm.Frame{}, fmt.Errorf("%w: reduce noise: %w", ErrProcessing, err)
	}
	floor, ok := c.NoiseFloor()
	out := f.Clone()
	if !ok {
		return out, nil
	}
	threshold := c.gateRatio * floor
	for i, s := range out.Samples {
		if float64(pcm.Abs(s)) < threshold {
			out.Samples[i] = 0
		}
	}
	return out, nil
}

// Normalize scales f so its peak lands on pcm.MaxAmplitude. Silent frames are
// returned unchanged.
func (c *Conditioner) Normalize(f pcm.Frame) (pcm.Frame, error) {
	if err := f.Validate(); err != nil {
		return pcm.Frame{}, fmt.Errorf("%w: normalize: %w", ErrProcessing, err)
	}
	out := f.Clone()
	peak := pcm.Peak(f.Samples)
	if peak == 0 {
		return out, nil
	}
	scale := float64(pcm.MaxAmplitude) / float64(peak)
	for i, s := range f.Samples {
		out.Samples[i] = int16(math.Round(float64(s) * scale))
	}
	return out, nil
}

// Process runs the enabled stages in order: gate first, then normalize. The
// gate must see the unscaled signal so its threshold matches the calibration.
func (c *Conditioner) Process(f pcm.Frame) (pcm.Frame, error) {
	var err error
	out := f
	if c.noiseReduction {
		if out, err = c.ReduceNoise(out); err != nil {
			return pcm.Frame{}, err
		}
	}
	if c.normalization {
		if out, err = c.Normalize(out); err != nil {
			return pcm.Frame{}, err
		}
	}
	if !c.noiseReduction && !c.normalization {
		if err := f.Validate(); err != nil {
			return pcm.Frame{}, fmt.Errorf("%w: %w", ErrProcessing, err)
		}
		out = f.Clone()
	}
	return out, nil
}
