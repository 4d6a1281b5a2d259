package tts

import (
	"context"
	"strings"
	"time"
)

const mockWordDuration = 250 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

// Synthesize emits one chunk of silence sized to the spoken text.
func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(50 * time.Millisecond):
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, m.pcmBytes(req)),
			Final:      true,
		}
	}()
	return chunks, errs
}

func (m *mockSynth) pcmBytes(req SynthRequest) int {
	words := len(strings.Fields(req.Text))
	rate := req.Rate
	if rate <= 0 {
		rate = 1
	}
	duration := time.Duration(float64(time.Duration(words)*mockWordDuration) / rate)
	samples := int(duration.Seconds() * float64(m.sampleRate))
	return samples * m.channels * 2
}
