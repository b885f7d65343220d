package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-audio/wav"
)

// SampleRate is the only rate the detector and the inference engine accept.
// Everything is normalised here so downstream slicing can index samples and
// write files against a single clock.
const SampleRate = 16000

// ErrEmptyAudio is returned when the decoded input contains zero samples.
var ErrEmptyAudio = errors.New("audio: decoded input is empty")

// DecodeError wraps container/codec failures from the decoder or ffmpeg.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Buffer holds mono float32 samples at SampleRate. Immutable after load;
// only slice views are handed to downstream components.
type Buffer struct {
	Samples []float32
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	return float64(len(b.Samples)) / SampleRate
}

// Slice returns a zero-copy view of [startS, endS) clamped to the buffer.
func (b *Buffer) Slice(startS, endS float64) []float32 {
	lo := int(math.Round(startS * SampleRate))
	hi := int(math.Round(endS * SampleRate))
	if lo < 0 {
		lo = 0
	}
	if hi > len(b.Samples) {
		hi = len(b.Samples)
	}
	if lo >= hi {
		return nil
	}
	return b.Samples[lo:hi]
}

// Load decodes any supported media file into a mono 16 kHz Buffer. Native
// WAV files already at 16 kHz are decoded in-process (multi-channel inputs
// are averaged to mono); anything else is shelled through ffmpeg, whose
// polyphase resampler writes a 16 kHz mono WAV into workdir.
func Load(ctx context.Context, path, workdir string) (*Buffer, error) {
	if samples, ok, err := loadNativeWAV(path); err != nil {
		return nil, err
	} else if ok {
		if len(samples) == 0 {
			return nil, ErrEmptyAudio
		}
		return &Buffer{Samples: samples}, nil
	}

	converted := filepath.Join(workdir, "normalized.wav")
	if err := ffmpegConvert(ctx, path, converted); err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer os.Remove(converted)

	samples, ok, err := loadNativeWAV(converted)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &DecodeError{Path: path, Err: errors.New("ffmpeg produced an unreadable wav")}
	}
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}
	return &Buffer{Samples: samples}, nil
}

// loadNativeWAV decodes path if it is a WAV file at SampleRate. The second
// return reports whether the file was handled; non-WAV containers and other
// sample rates fall through to the ffmpeg path.
func loadNativeWAV(path string) ([]float32, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, false, nil
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, false, &DecodeError{Path: path, Err: err}
	}
	if buf.Format == nil || buf.Format.SampleRate != SampleRate {
		return nil, false, nil
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(math.Pow(2, float64(bitDepth-1)))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		samples[i] = sum / float32(channels)
	}
	return samples, true, nil
}

func ffmpegConvert(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", src,
		"-ar", fmt.Sprint(SampleRate),
		"-ac", "1",
		"-f", "wav",
		"-y", dst,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, truncate(out, 512))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
