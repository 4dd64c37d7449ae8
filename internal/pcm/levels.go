package pcm

import "math"

// Thresholds used by Analyze, as a fraction of full scale.
const (
	clipThreshold    = 0.99
	silenceThreshold = 0.01
)

// Levels summarizes the loudness of a frame. Peak and RMS are normalized to
// full scale (1.0 == 32768).
type Levels struct {
	Peak    float64
	RMS     float64
	Clipped int // samples above 99% of full scale
	Silent  int // samples below 1% of full scale
}

// Analyze computes Levels for the samples.
func Analyze(samples []int16) Levels {
	var lv Levels
	if len(samples) == 0 {
		return lv
	}
	var sumSq float64
	for _, s := range samples {
		v := float64(Abs(s)) / 32768
		if v > lv.Peak {
			lv.Peak = v
		}
		sumSq += v * v
		switch {
		case v > clipThreshold:
			lv.Clipped++
		case v < silenceThreshold:
			lv.Silent++
		}
	}
	lv.RMS = math.Sqrt(sumSq / float64(len(samples)))
	return lv
}
