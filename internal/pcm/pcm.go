// Package pcm holds the signed 16-bit PCM frame type shared by every stage of
// the capture pipeline, plus the little-endian wire codec used to hand audio
// to the transcriber.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxAmplitude is the largest positive int16 sample value.
const MaxAmplitude = math.MaxInt16

// BytesPerSample is the size of one encoded s16le sample.
const BytesPerSample = 2

// ErrInvalidFrame is returned by Validate for frames with a broken geometry.
var ErrInvalidFrame = errors.New("pcm: invalid frame")

// Format describes the sample rate and channel count of a stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameBytes returns the encoded size of one multi-channel frame.
func (f Format) FrameBytes() int {
	return f.Channels * BytesPerSample
}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Frame is an interleaved block of int16 samples. Stages never modify a frame
// they receive; they allocate a new Samples slice for their output.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Format returns the frame's format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Len returns the number of multi-channel frames (samples per channel).
func (f Frame) Len() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Len()) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks the frame geometry.
func (f Frame) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFrame, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: channels %d", ErrInvalidFrame, f.Channels)
	}
	if len(f.Samples)%f.Channels != 0 {
		return fmt.Errorf("%w: %d samples not divisible by %d channels", ErrInvalidFrame, len(f.Samples), f.Channels)
	}
	return nil
}

// Clone returns a copy of f that shares no memory with it.
func (f Frame) Clone() Frame {
	out := f
	out.Samples = make([]int16, len(f.Samples))
	copy(out.Samples, f.Samples)
	return out
}

// Concat joins frames of the same format into one frame. Frames whose format
// differs from the first are rejected.
func Concat(frames ...Frame) (Frame, error) {
	if len(frames) == 0 {
		return Frame{}, fmt.Errorf("%w: nothing to concatenate", ErrInvalidFrame)
	}
	total := 0
	for _, f := range frames {
		if f.Format() != frames[0].Format() {
			return Frame{}, fmt.Errorf("%w: format %s != %s", ErrInvalidFrame, f.Format(), frames[0].Format())
		}
		total += len(f.Samples)
	}
	out := Frame{
		Samples:    make([]int16, 0, total),
		SampleRate: frames[0].SampleRate,
		Channels:   frames[0].Channels,
	}
	for _, f := range frames {
		out.Samples = append(out.Samples, f.Samples...)
	}
	return out, nil
}

// Encode serializes samples as little-endian int16 PCM.
func Encode(samples []int16) []byte {
	buf := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// Decode parses little-endian int16 PCM. A trailing odd byte is ignored.
func Decode(b []byte) []int16 {
	samples := make([]int16, len(b)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// Abs returns |s| widened so that -32768 does not overflow.
func Abs(s int16) int32 {
	v := int32(s)
	if v < 0 {
		return -v
	}
	return v
}

// Peak returns the largest absolute sample value.
func Peak(samples []int16) int32 {
	var peak int32
	for _, s := range samples {
		if a := Abs(s); a > peak {
			peak = a
		}
	}
	return peak
}

// MeanAbs returns the mean absolute amplitude, or 0 for an empty slice.
func MeanAbs(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(Abs(s))
	}
	return sum / float64(len(samples))
}
