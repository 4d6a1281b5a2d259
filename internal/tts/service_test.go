package tts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus/bustest"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

type blockingSynth struct {
	started chan SynthRequest
}

func (b *blockingSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		b.started <- req
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return chunks, errs
}

func testTTSConfig() config.TTSConfig {
	return config.TTSConfig{
		Enabled:    true,
		Mode:       "mock",
		Voice:      "en-IN",
		SampleRate: 16000,
		Channels:   1,
		Target:     "kitchen",
	}
}

func receive[T any](t *testing.T, ch chan *nats.Msg) T {
	t.Helper()
	var v T
	select {
	case msg := <-ch:
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			t.Fatalf("decode %s: %v", msg.Subject, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return v
}

func TestSpeakerDrivesService(t *testing.T) {
	client := bustest.New(t)
	cfg := testTTSConfig()
	svc := NewService(context.Background(), cfg, client, NewMockSynth(cfg.SampleRate, cfg.Channels), bustest.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	audio := make(chan *nats.Msg, 4)
	done := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTTSAudio, audio); err != nil {
		t.Fatalf("subscribe audio: %v", err)
	}
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTTSDone, done); err != nil {
		t.Fatalf("subscribe done: %v", err)
	}

	speaker := NewSpeaker(cfg, client)
	if err := speaker.Speak(context.Background(), "Done", capture.SpeakOptions{Language: "en-IN", Pitch: 1, Rate: 1}); err != nil {
		t.Fatalf("speak: %v", err)
	}

	chunk := receive[protocol.AudioChunk](t, audio)
	if !chunk.Final || chunk.Target != "kitchen" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
	// one word at 250ms, 16kHz mono 16-bit
	if len(chunk.PCM) != 8000 {
		t.Fatalf("expected 8000 bytes of pcm, got %d", len(chunk.PCM))
	}
	status := receive[protocol.TTSStatus](t, done)
	if !status.Completed || status.SessionID != chunk.SessionID {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestStopInterruptsSynthesis(t *testing.T) {
	client := bustest.New(t)
	cfg := testTTSConfig()
	synth := &blockingSynth{started: make(chan SynthRequest, 1)}
	svc := NewService(context.Background(), cfg, client, synth, bustest.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer svc.Close()

	done := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTTSDone, done); err != nil {
		t.Fatalf("subscribe done: %v", err)
	}

	speaker := NewSpeaker(cfg, client)
	if err := speaker.Speak(context.Background(), "Done", capture.SpeakOptions{Language: "en-IN", Pitch: 1.2, Rate: 0.8}); err != nil {
		t.Fatalf("speak: %v", err)
	}
	select {
	case req := <-synth.started:
		if req.Language != "en-IN" || req.Pitch != 1.2 || req.Rate != 0.8 || req.Voice != "en-IN" {
			t.Fatalf("unexpected synth request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis never started")
	}

	if err := speaker.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	status := receive[protocol.TTSStatus](t, done)
	if status.Completed {
		t.Fatalf("expected interrupted status, got %+v", status)
	}
}

func TestSpeakRejectsEmptyText(t *testing.T) {
	speaker := NewSpeaker(testTTSConfig(), bustest.New(t))
	if err := speaker.Speak(context.Background(), "", capture.SpeakOptions{}); err == nil {
		t.Fatal("expected error for empty text")
	}
}
