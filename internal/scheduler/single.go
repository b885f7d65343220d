package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hungshinlee/whisper-for-subs/internal/audio"
	"github.com/hungshinlee/whisper-for-subs/internal/engine"
	"github.com/hungshinlee/whisper-for-subs/internal/partition"
	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
)

// skipBelowSeconds mirrors the worker's contract: units this short are
// skipped, not failed.
const skipBelowSeconds = 0.1

// RunSingle is the single-device specialisation: the same partitioned units
// run through the resident engine in-process, in unit id order, with the
// same skip, retry and soft-cap contract as parallel dispatch. What changes
// is dispatch, not the data model.
func RunSingle(ctx context.Context, units []partition.Unit, eng engine.Engine, opts Options, log *slog.Logger) (Outcome, error) {
	log = log.With(slog.String("component", "scheduler"), slog.String("session_id", opts.SessionID))
	m := newMeters()

	var out Outcome
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if u.Duration() < skipBelowSeconds {
			continue
		}

		path := filepath.Join(opts.Workdir, fmt.Sprintf("unit_%04d.wav", u.ID))
		if err := audio.WriteWAV(path, u.Samples); err != nil {
			return Outcome{}, fmt.Errorf("write unit %d: %w", u.ID, err)
		}

		segments, err := transcribeOnce(ctx, eng, path, u, opts)
		if err != nil {
			out.Warnings++
			m.retries.Add(ctx, 1)
			log.Warn("unit failed, retrying",
				slog.Int("unit_id", u.ID),
				slog.String("error", err.Error()))
			segments, err = transcribeOnce(ctx, eng, path, u, opts)
		}
		os.Remove(path)
		if err != nil {
			out.Warnings++
			log.Warn("unit failed permanently, recording empty",
				slog.Int("unit_id", u.ID),
				slog.String("error", err.Error()))
			continue
		}

		for _, seg := range segments {
			out.Segments = append(out.Segments, subtitle.Segment{
				Start: u.Start + seg.Start,
				End:   u.Start + seg.End,
				Text:  seg.Text,
			})
		}
		m.units.Add(ctx, 1)
	}
	return out, nil
}

func transcribeOnce(ctx context.Context, eng engine.Engine, path string, u partition.Unit, opts Options) ([]subtitle.Segment, error) {
	callCtx, cancel := context.WithTimeout(ctx, softCap(u.Duration()))
	defer cancel()
	return eng.Transcribe(callCtx, engine.Request{
		AudioPath: path,
		Language:  opts.Language,
		Task:      opts.Task,
		Prompt:    opts.Prompt,
	})
}
