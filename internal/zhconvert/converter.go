package zhconvert

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
	"github.com/mattn/go-shellwords"
)

// Converter turns simplified Chinese into traditional. Conversion failures
// are non-fatal: callers keep the original text.
type Converter interface {
	Convert(ctx context.Context, text string) (string, error)
}

type execConverter struct {
	cmd []string
	mu  sync.Mutex
}

// NewExecConverter wraps an opencc-style CLI: simplified text on stdin,
// traditional text on stdout.
func NewExecConverter(command string) (Converter, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse converter command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("converter command is empty")
	}
	return &execConverter{cmd: args}, nil
}

func (c *execConverter) Convert(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := c.cmd[0]
	args := append([]string{}, c.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("converter command failed: %w", err)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

type mockConverter struct{}

// NewMockConverter passes text through unchanged, for tests and
// dependency-free runs.
func NewMockConverter() Converter {
	return mockConverter{}
}

func (mockConverter) Convert(_ context.Context, text string) (string, error) {
	return text, nil
}

// ConvertSegments converts every segment's text in place, preserving the
// original and logging a warning when the converter fails. Returns the
// number of failures.
func ConvertSegments(ctx context.Context, conv Converter, segments []subtitle.Segment, log *slog.Logger) int {
	failures := 0
	for i := range segments {
		converted, err := conv.Convert(ctx, segments[i].Text)
		if err != nil {
			failures++
			log.Warn("script conversion failed, keeping original text",
				slog.Int("segment", i),
				slog.String("error", err.Error()))
			continue
		}
		segments[i].Text = converted
	}
	return failures
}

var chinesePattern = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)

// ContainsChinese reports whether text has CJK ideographs.
func ContainsChinese(text string) bool {
	return chinesePattern.MatchString(text)
}
