package mixer

import (
	"fmt"
	"math"

	"github.com/petems/hearsay/internal/pcm"
)

// Resample converts f from its own sample rate to toRate using linear
// interpolation on each channel. Equal rates return a copy.
func Resample(f pcm.Frame, toRate int) (pcm.Frame, error) {
	if err := f.Validate(); err != nil {
		return pcm.Frame{}, fmt.Errorf("%w: resample: %w", ErrMixing, err)
	}
	if toRate <= 0 {
		return pcm.Frame{}, fmt.Errorf("%w: resample: target rate %d", ErrMixing, toRate)
	}
	if f.SampleRate == toRate {
		return f.Clone(), nil
	}

	ch := f.Channels
	srcFrames := f.Len()
	dstFrames := int(int64(srcFrames) * int64(toRate) / int64(f.SampleRate))
	out := pcm.Frame{
		Samples:    make([]int16, dstFrames*ch),
		SampleRate: toRate,
		Channels:   ch,
	}
	if dstFrames == 0 {
		return out, nil
	}

	ratio := float64(f.SampleRate) / float64(toRate)
	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for c := range ch {
			s0 := float64(f.Samples[srcIdx*ch+c])
			s1 := float64(f.Samples[next*ch+c])
			out.Samples[i*ch+c] = int16(math.Round(s0*(1-frac) + s1*frac))
		}
	}
	return out, nil
}

// Resampler converts a continuous stream of frames to a fixed rate. Unlike
// Resample it carries the interpolation phase and the last input frame from
// one call to the next, so block boundaries neither drift nor restart the
// interpolation. A Resampler serves one stream and is not safe for
// concurrent use.
type Resampler struct {
	to   int
	from int
	ch   int
	// pos is the input position of the next output frame, in units of
	// 1/to input frames, relative to the start of the next block. It lies
	// in [-to, 0) when that frame falls between the previous block's last
	// frame and the next block's first.
	pos  int64
	last []int16
}

// NewResampler returns a Resampler producing frames at toRate.
func NewResampler(toRate int) *Resampler {
	return &Resampler{to: toRate}
}

// Process resamples the next block of the stream. A change in the input rate
// or channel count starts a new stream.
func (r *Resampler) Process(f pcm.Frame) (pcm.Frame, error) {
	if err := f.Validate(); err != nil {
		return pcm.Frame{}, fmt.Errorf("%w: resample: %w", ErrMixing, err)
	}
	if r.to <= 0 {
		return pcm.Frame{}, fmt.Errorf("%w: resample: target rate %d", ErrMixing, r.to)
	}
	if f.SampleRate != r.from || f.Channels != r.ch {
		r.from, r.ch = f.SampleRate, f.Channels
		r.pos, r.last = 0, nil
	}
	if f.SampleRate == r.to {
		return f.Clone(), nil
	}

	ch := r.ch
	n := f.Len()
	out := pcm.Frame{SampleRate: r.to, Channels: ch}
	if n == 0 {
		return out, nil
	}

	to, step := int64(r.to), int64(r.from)
	limit := int64(n-1) * to
	out.Samples = make([]int16, 0, (int64(n)*to/step+1)*int64(ch))
	for ; r.pos < limit; r.pos += step {
		idx, rem := r.pos/to, r.pos%to
		if r.pos < 0 {
			idx, rem = -1, r.pos+to
		}
		frac := float64(rem) / float64(to)
		for c := range ch {
			var s0 float64
			if idx < 0 {
				s0 = float64(r.last[c])
			} else {
				s0 = float64(f.Samples[int(idx)*ch+c])
			}
			s1 := float64(f.Samples[int(idx+1)*ch+c])
			out.Samples = append(out.Samples, int16(math.Round(s0*(1-frac)+s1*frac)))
		}
	}
	r.pos -= int64(n) * to
	r.last = append(r.last[:0], f.Samples[(n-1)*ch:]...)
	return out, nil
}
