package vad

import (
	"context"

	"github.com/hungshinlee/whisper-for-subs/internal/audio"
)

// frameSamples is 30 ms at 16 kHz, matching the window the real detector
// evaluates per decision.
const frameSamples = audio.SampleRate * 30 / 1000

// mockDetector is an energy gate over fixed frames. It stands in for the
// external detector in tests and as a dependency-free fallback: a frame is
// speech when its peak amplitude clears the threshold.
type mockDetector struct {
	opts Options
}

func NewMockDetector(opts Options) Detector {
	return &mockDetector{opts: opts}
}

func (d *mockDetector) Detect(_ context.Context, samples []float32) ([]Region, error) {
	var regions []Region
	var open bool
	var start float64

	for off := 0; off < len(samples); off += frameSamples {
		end := off + frameSamples
		if end > len(samples) {
			end = len(samples)
		}
		speech := framePeak(samples[off:end]) >= float32(d.opts.Threshold)
		at := float64(off) / audio.SampleRate

		switch {
		case speech && !open:
			open = true
			start = at
		case !speech && open:
			open = false
			regions = append(regions, Region{Start: start, End: at})
		}
	}
	if open {
		regions = append(regions, Region{Start: start, End: float64(len(samples)) / audio.SampleRate})
	}

	return absorbShortSilences(regions, d.opts.MinSilenceMS), nil
}

func framePeak(frame []float32) float32 {
	var peak float32
	for _, s := range frame {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}
