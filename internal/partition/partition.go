package partition

import (
	"github.com/hungshinlee/whisper-for-subs/internal/audio"
	"github.com/hungshinlee/whisper-for-subs/internal/vad"
)

// Bounds constrain work unit durations. Units below Min amortise worker
// dispatch poorly; units above Max starve parallelism on one worker's tail.
type Bounds struct {
	MinUnitSeconds float64
	MaxUnitSeconds float64
}

func DefaultBounds() Bounds {
	return Bounds{MinUnitSeconds: 15, MaxUnitSeconds: 45}
}

// minRegionSeconds filters regions too brief to yield useful text.
const minRegionSeconds = 0.5

// concatGapSeconds caps the silence a unit may span when concatenating
// consecutive regions.
const concatGapSeconds = 1.0

// splitFrameSamples is the 30 ms window the oversize-split scan evaluates,
// matching the detector's own decision granularity.
const splitFrameSamples = audio.SampleRate * 30 / 1000

// splitSilencePeak is the frame peak below which a window counts as silence
// for oversize splitting. A frame this quiet carries no speech worth
// preserving across a cut.
const splitSilencePeak = 0.05

// Unit is one contiguous audio interval transcribed by one worker.
// ID is the unit's rank in input order, dense from zero. Samples is a
// zero-copy view into the source buffer.
type Unit struct {
	ID      int
	Start   float64
	End     float64
	Samples []float32
}

func (u Unit) Duration() float64 { return u.End - u.Start }

// Plan rebalances detected speech regions into work units.
//
// Regions shorter than half a second are dropped. Consecutive regions are
// concatenated while the combined span stays within bounds and the gap
// between them stays small, so units split only at real silences. A span
// longer than the max bound is split at internal silences when the audio has
// any: the span's own samples are re-scanned at the detector's frame
// granularity for quiet windows inside the legal cut range. When no such
// window exists the span is emitted as one oversize unit rather than cut
// mid-speech. When fewer units than workers come out, the spare workers
// idle; units are never split below the minimum bound to manufacture
// parallelism.
//
// The result is deterministic for a given input: ids dense in [0, len),
// units sorted by start, pairwise disjoint.
func Plan(regions []vad.Region, buf *audio.Buffer, bounds Bounds) []Unit {
	filtered := make([]vad.Region, 0, len(regions))
	for _, r := range regions {
		if r.Duration() >= minRegionSeconds {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	var spans []vad.Region
	open := filtered[0]
	for _, r := range filtered[1:] {
		gap := r.Start - open.End
		combined := r.End - open.Start
		if gap < concatGapSeconds && combined <= bounds.MaxUnitSeconds {
			open.End = r.End
			continue
		}
		spans = append(spans, open)
		open = r
	}
	spans = append(spans, open)

	var units []Unit
	for _, span := range spans {
		for _, piece := range splitAtSilences(span, buf, bounds) {
			units = append(units, Unit{
				ID:      len(units),
				Start:   piece.Start,
				End:     piece.End,
				Samples: buf.Slice(piece.Start, piece.End),
			})
		}
	}
	return units
}

// splitAtSilences carves a span exceeding the max bound into pieces cut at
// internal silences. Every cut lands on the quietest frame inside the legal
// range, so each piece stays within [min, max] and the cut never lands
// mid-speech. When the scan finds no silent frame the rest of the span is
// kept whole — one tolerated oversize unit per split.
func splitAtSilences(span vad.Region, buf *audio.Buffer, bounds Bounds) []vad.Region {
	var pieces []vad.Region
	rem := span
	for rem.Duration() > bounds.MaxUnitSeconds {
		lo := rem.Start + bounds.MinUnitSeconds
		hi := rem.Start + bounds.MaxUnitSeconds
		if tail := rem.End - bounds.MinUnitSeconds; tail < hi {
			// Keep the remainder above the minimum bound too.
			hi = tail
		}
		cut, ok := quietestFrame(buf, lo, hi)
		if !ok {
			break
		}
		pieces = append(pieces, vad.Region{Start: rem.Start, End: cut})
		rem.Start = cut
	}
	return append(pieces, rem)
}

// quietestFrame scans [lo, hi) in 30 ms steps and returns the start of the
// quietest frame, provided that frame is silent enough to cut at.
func quietestFrame(buf *audio.Buffer, lo, hi float64) (float64, bool) {
	if hi <= lo {
		return 0, false
	}
	samples := buf.Slice(lo, hi)

	best := -1
	var bestPeak float32
	for off := 0; off+splitFrameSamples <= len(samples); off += splitFrameSamples {
		var peak float32
		for _, s := range samples[off : off+splitFrameSamples] {
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}
		if best < 0 || peak < bestPeak {
			best = off
			bestPeak = peak
		}
	}
	if best < 0 || bestPeak >= splitSilencePeak {
		return 0, false
	}
	return lo + float64(best)/audio.SampleRate, true
}
