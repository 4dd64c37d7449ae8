// Package mixer resamples and blends the microphone and desktop streams into a
// single PCM stream.
package mixer

import (
	"errors"
	"fmt"
	"math"

	"github.com/petems/hearsay/internal/pcm"
)

// ErrMixing is returned when a mix cannot be computed, most notably when both
// inputs are absent.
var ErrMixing = errors.New("mixer: mixing failed")

// FullScale is the peak amplitude of the normalized float representation.
const FullScale = 1.0

// Weights set the relative loudness of each source.
type Weights struct {
	Mic     float64
	Desktop float64
}

// EqualWeights gives both sources the same contribution.
var EqualWeights = Weights{Mic: 1, Desktop: 1}

// Validate checks that both weights are non-negative and not both zero.
func (w Weights) Validate() error {
	if w.Mic < 0 || w.Desktop < 0 || math.IsNaN(w.Mic) || math.IsNaN(w.Desktop) {
		return fmt.Errorf("%w: weights must be >= 0 (mic=%v desktop=%v)", ErrMixing, w.Mic, w.Desktop)
	}
	if w.Mic+w.Desktop == 0 {
		return fmt.Errorf("%w: mic and desktop weights are both zero", ErrMixing)
	}
	return nil
}

// ChannelMode selects how the two sources share the output.
type ChannelMode int

const (
	// Mono blends both sources into one channel with Mix.
	Mono ChannelMode = iota
	// Stereo keeps the mic on the left and the desktop on the right, so a
	// transcriber can tell the speakers apart.
	Stereo
)

// ParseChannelMode parses "mono" or "stereo". The empty string is Mono.
func ParseChannelMode(s string) (ChannelMode, error) {
	switch s {
	case "", "mono":
		return Mono, nil
	case "stereo":
		return Stereo, nil
	}
	return Mono, fmt.Errorf("%w: unknown channel mode %q", ErrMixing, s)
}

func (c ChannelMode) String() string {
	if c == Stereo {
		return "stereo"
	}
	return "mono"
}

// Channels returns the output channel count for the mode.
func (c ChannelMode) Channels() int {
	if c == Stereo {
		return 2
	}
	return 1
}

// Mixer combines two streams. The zero value mixes at unity gain.
type Mixer struct {
	// Gain is applied to the weighted average before the peak check. Values
	// above 1 can push the mix past full scale, in which case the whole frame
	// is rescaled.
	Gain float64
}

// New returns a Mixer with unity gain.
func New() *Mixer {
	return &Mixer{Gain: 1}
}

// Mix blends mic and desktop, either of which may be nil. Both streams are
// converted to floats, weighted, zero-padded to the longer length, summed and
// divided by the sum of weights. If the result peaks above FullScale it is
// rescaled as a whole so the balance between sources is preserved.
//
// The returned peak is measured after rescaling: a value equal to FullScale
// means the protection engaged (or the input sat exactly at full scale).
func (m *Mixer) Mix(mic, desktop *pcm.Frame, w Weights) (pcm.Frame, float64, error) {
	if mic == nil && desktop == nil {
		return pcm.Frame{}, 0, fmt.Errorf("%w: no input streams", ErrMixing)
	}
	if err := w.Validate(); err != nil {
		return pcm.Frame{}, 0, err
	}

	format, err := commonFormat(mic, desktop)
	if err != nil {
		return pcm.Frame{}, 0, err
	}

	n := 0
	if mic != nil {
		n = len(mic.Samples)
	}
	if desktop != nil && len(desktop.Samples) > n {
		n = len(desktop.Samples)
	}

	mixed := make([]float64, n)
	accumulate(mixed, mic, w.Mic)
	accumulate(mixed, desktop, w.Desktop)

	out, peak := m.finish(mixed, m.gain()/(w.Mic+w.Desktop), format)
	return out, peak, nil
}

// Interleave keeps the sources apart instead of blending them: mic becomes
// the left channel and desktop the right channel of a stereo frame. Both
// inputs must be mono at the same rate. A missing source is silence and the
// shorter one is zero-padded. Gain and the full-scale rescale apply as in
// Mix; weights do not.
func (m *Mixer) Interleave(mic, desktop *pcm.Frame) (pcm.Frame, float64, error) {
	if mic == nil && desktop == nil {
		return pcm.Frame{}, 0, fmt.Errorf("%w: no input streams", ErrMixing)
	}
	format, err := commonFormat(mic, desktop)
	if err != nil {
		return pcm.Frame{}, 0, err
	}
	if format.Channels != 1 {
		return pcm.Frame{}, 0, fmt.Errorf("%w: interleave needs mono inputs, got %s", ErrMixing, format)
	}

	n := 0
	for _, f := range []*pcm.Frame{mic, desktop} {
		if f != nil && len(f.Samples) > n {
			n = len(f.Samples)
		}
	}

	lr := make([]float64, 2*n)
	for c, f := range []*pcm.Frame{mic, desktop} {
		if f == nil {
			continue
		}
		for i, s := range f.Samples {
			lr[2*i+c] = toFloat(s)
		}
	}

	out, peak := m.finish(lr, m.gain(), pcm.Format{SampleRate: format.SampleRate, Channels: 2})
	return out, peak, nil
}

func (m *Mixer) gain() float64 {
	if m.Gain <= 0 {
		return 1
	}
	return m.Gain
}

// finish scales samples by norm, rescales the whole frame if it peaks above
// FullScale and converts back to int16.
func (m *Mixer) finish(samples []float64, norm float64, format pcm.Format) (pcm.Frame, float64) {
	var peak float64
	for i := range samples {
		samples[i] *= norm
		if a := math.Abs(samples[i]); a > peak {
			peak = a
		}
	}

	if peak > FullScale {
		scale := FullScale / peak
		for i := range samples {
			samples[i] *= scale
		}
		peak = FullScale
	}

	out := pcm.Frame{
		Samples:    make([]int16, len(samples)),
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	}
	for i, v := range samples {
		out.Samples[i] = fromFloat(v)
	}
	return out, peak
}

// commonFormat validates the present frames and returns their shared format.
func commonFormat(frames ...*pcm.Frame) (pcm.Format, error) {
	var format pcm.Format
	for _, f := range frames {
		if f == nil {
			continue
		}
		if err := f.Validate(); err != nil {
			return pcm.Format{}, fmt.Errorf("%w: %w", ErrMixing, err)
		}
		if format == (pcm.Format{}) {
			format = f.Format()
		} else if f.Format() != format {
			return pcm.Format{}, fmt.Errorf("%w: format mismatch %s vs %s", ErrMixing, format, f.Format())
		}
	}
	return format, nil
}

// accumulate adds the weighted float form of f into dst. Samples beyond the
// end of f contribute nothing, which is the zero padding.
func accumulate(dst []float64, f *pcm.Frame, weight float64) {
	if f == nil || weight == 0 {
		return
	}
	for i, s := range f.Samples {
		dst[i] += toFloat(s) * weight
	}
}

func toFloat(s int16) float64 {
	return float64(s) / 32768
}

// fromFloat maps [-1, 1] back onto int16. Only +1.0 itself lands outside the
// int16 range, by a single step.
func fromFloat(v float64) int16 {
	x := math.Round(v * 32768)
	if x > math.MaxInt16 {
		return math.MaxInt16
	}
	if x < math.MinInt16 {
		return math.MinInt16
	}
	return int16(x)
}
