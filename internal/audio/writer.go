package audio

import (
	"fmt"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV writes mono float32 samples as a 16-bit PCM WAV at SampleRate.
// Workers hand these files to the inference engine's file-based API.
func WriteWAV(path string, samples []float32) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	buffer := &gaudio.IntBuffer{
		Format: &gaudio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:   make([]int, len(samples)),
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buffer.Data[i] = int(s * 32767)
	}

	enc := wav.NewEncoder(file, SampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
