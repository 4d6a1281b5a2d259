package stt

import (
	"context"
	"fmt"
	"time"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

// Transcribe reports the captured duration so the whole pipeline can run
// without a real engine. Silence yields an empty transcript.
func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, _ string, _ bool) (TranscriptResult, error) {
	if len(pcm) == 0 || sampleRate <= 0 || channels <= 0 {
		return TranscriptResult{}, nil
	}
	samples := len(pcm) / 2 / channels
	duration := time.Duration(samples) * time.Second / time.Duration(sampleRate)
	return TranscriptResult{
		Text:       fmt.Sprintf("dictation %s", duration.Round(time.Millisecond)),
		Confidence: 1,
	}, nil
}
