package zhconvert

import (
	"context"
	"errors"
	"testing"

	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
	"github.com/hungshinlee/whisper-for-subs/internal/testsupport"
)

type failingConverter struct{}

func (failingConverter) Convert(context.Context, string) (string, error) {
	return "", errors.New("converter unavailable")
}

func TestConvertSegmentsPreservesTextOnFailure(t *testing.T) {
	segments := []subtitle.Segment{
		{Start: 0, End: 1, Text: "这是简体中文"},
		{Start: 1, End: 2, Text: "欢迎使用语音识别系统"},
	}
	failures := ConvertSegments(context.Background(), failingConverter{}, segments, testsupport.Logger())
	if failures != 2 {
		t.Fatalf("expected 2 failures, got %d", failures)
	}
	if segments[0].Text != "这是简体中文" {
		t.Fatal("original text must survive converter failure")
	}
}

func TestConvertSegmentsAppliesConversion(t *testing.T) {
	segments := []subtitle.Segment{{Start: 0, End: 1, Text: "这是简体中文"}}
	failures := ConvertSegments(context.Background(), NewMockConverter(), segments, testsupport.Logger())
	if failures != 0 {
		t.Fatalf("unexpected failures: %d", failures)
	}
}

func TestContainsChinese(t *testing.T) {
	if !ContainsChinese("Hello, 这是混合文本") {
		t.Fatal("expected Chinese detection")
	}
	if ContainsChinese("plain ascii only") {
		t.Fatal("false positive on ascii")
	}
}

func TestNewExecConverterRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecConverter(""); err == nil {
		t.Fatal("expected error for empty command")
	}
}
