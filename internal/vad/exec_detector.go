package vad

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hungshinlee/whisper-for-subs/internal/audio"
	"github.com/mattn/go-shellwords"
)

// execDetector shells out to an external VAD CLI (a Silero wrapper). The
// samples travel as a temp WAV; the CLI answers with a JSON region list on
// stdout.
type execDetector struct {
	cmd  []string
	opts Options
	mu   sync.Mutex
}

func NewExecDetector(command string, opts Options) (Detector, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, &SegmenterError{Err: fmt.Errorf("parse vad command: %w", err)}
	}
	if len(args) == 0 {
		return nil, &SegmenterError{Err: fmt.Errorf("vad command is empty")}
	}
	return &execDetector{cmd: args, opts: opts}, nil
}

func (d *execDetector) Detect(ctx context.Context, samples []float32) ([]Region, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dir, err := os.MkdirTemp("", "subs_vad_*")
	if err != nil {
		return nil, fmt.Errorf("vad temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "input.wav")
	if err := audio.WriteWAV(wavPath, samples); err != nil {
		return nil, fmt.Errorf("vad input: %w", err)
	}

	base := d.cmd[0]
	args := append([]string{}, d.cmd[1:]...)
	args = append(args,
		"--audio", wavPath,
		"--threshold", fmt.Sprintf("%g", d.opts.Threshold),
		"--min-silence-ms", fmt.Sprint(d.opts.MinSilenceMS),
	)

	command := exec.CommandContext(ctx, base, args...)
	output, err := command.Output()
	if err != nil {
		return nil, fmt.Errorf("vad command failed: %w", err)
	}

	var regions []Region
	if err := json.Unmarshal(output, &regions); err != nil {
		return nil, fmt.Errorf("decode vad response: %w", err)
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	valid := regions[:0]
	for _, r := range regions {
		if r.End > r.Start {
			valid = append(valid, r)
		}
	}
	return absorbShortSilences(valid, d.opts.MinSilenceMS), nil
}
