package stt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/bus/bustest"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
)

type scriptedRecognizer struct {
	mu       sync.Mutex
	partial  string
	final    string
	finalErr error
	locales  []string
}

func (r *scriptedRecognizer) Transcribe(_ context.Context, _ []byte, _ int, _ int, locale string, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locales = append(r.locales, locale)
	if final {
		if r.finalErr != nil {
			return TranscriptResult{}, r.finalErr
		}
		return TranscriptResult{Text: r.final, Confidence: 0.9}, nil
	}
	return TranscriptResult{Text: r.partial, Confidence: 0.5}, nil
}

type eventLog struct {
	events chan string
}

func newEventLog() *eventLog { return &eventLog{events: make(chan string, 32)} }

func (l *eventLog) SpeechStarted()                    { l.events <- "speech_start" }
func (l *eventLog) InterimResult(candidates []string) { l.events <- "partial:" + strings.Join(candidates, "|") }
func (l *eventLog) FinalResult(candidates []string)   { l.events <- "final:" + strings.Join(candidates, "|") }
func (l *eventLog) SpeechEnded()                      { l.events <- "speech_end" }
func (l *eventLog) RecognitionFailed(err error)       { l.events <- "error:" + err.Error() }

func (l *eventLog) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-l.events:
		if got != want {
			t.Fatalf("expected event %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (l *eventLog) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-l.events:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func testSTTConfig() config.STTConfig {
	return config.STTConfig{
		Enabled:        true,
		Mode:           "mock",
		Source:         "mic",
		SampleRate:     16000,
		Channels:       1,
		PartialEveryMS: 0,
		PublishInterim: true,
	}
}

func startService(t *testing.T, cfg config.STTConfig, rec Recognizer) (*bus.Client, *Provider) {
	t.Helper()
	client := bustest.New(t)
	svc := NewService(context.Background(), cfg, client, rec)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected service healthy")
	}
	return client, NewProvider(client)
}

func sendFrame(t *testing.T, client *bus.Client, source string, final bool) {
	t.Helper()
	frame := protocol.AudioFrame{Source: source, SampleRate: 16000, Channels: 1, PCM: []byte{0x10, 0x00, 0x20, 0x00}, Final: final}
	if err := client.PublishJSON(protocol.AudioFrameSubject(source), frame); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func TestServiceSessionLifecycle(t *testing.T) {
	rec := &scriptedRecognizer{partial: "add", final: "add milk"}
	client, provider := startService(t, testSTTConfig(), rec)
	ctx := context.Background()

	events := newEventLog()
	unregister, err := provider.Register("s1", events)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer unregister()

	if err := provider.Start(ctx, "s1", "en-IN"); err != nil {
		t.Fatalf("start: %v", err)
	}
	sendFrame(t, client, "mic", false)
	events.expect(t, "speech_start")
	events.expect(t, "partial:add")

	sendFrame(t, client, "other", false)
	sendFrame(t, client, "mic", true)
	events.expect(t, "speech_end")

	if err := provider.Stop(ctx, "s1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	events.expect(t, "final:add milk")
	events.expectNone(t)

	rec.mu.Lock()
	locales := append([]string(nil), rec.locales...)
	rec.mu.Unlock()
	for _, locale := range locales {
		if locale != "en-IN" {
			t.Fatalf("expected en-IN locale, got %q", locale)
		}
	}

	if err := provider.Start(ctx, "s2", "en-IN"); err != nil {
		t.Fatalf("expected a new session after stop: %v", err)
	}
}

func TestServiceRejectsSecondSession(t *testing.T) {
	_, provider := startService(t, testSTTConfig(), &scriptedRecognizer{})
	ctx := context.Background()

	if err := provider.Start(ctx, "s1", "en-IN"); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := provider.Start(ctx, "s2", "en-IN")
	if err == nil || !strings.Contains(err.Error(), ErrSessionBusy.Error()) {
		t.Fatalf("expected busy error, got %v", err)
	}
}

func TestServiceDisabled(t *testing.T) {
	cfg := testSTTConfig()
	cfg.Enabled = false
	_, provider := startService(t, cfg, &scriptedRecognizer{})

	err := provider.Start(context.Background(), "s1", "en-IN")
	if err == nil || !strings.Contains(err.Error(), ErrDisabled.Error()) {
		t.Fatalf("expected disabled error, got %v", err)
	}
}

func TestServiceCancelDropsSession(t *testing.T) {
	client, provider := startService(t, testSTTConfig(), &scriptedRecognizer{partial: "x", final: "never"})
	ctx := context.Background()

	events := newEventLog()
	unregister, err := provider.Register("s1", events)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer unregister()

	if err := provider.Start(ctx, "s1", "en-IN"); err != nil {
		t.Fatalf("start: %v", err)
	}
	sendFrame(t, client, "mic", false)
	events.expect(t, "speech_start")
	events.expect(t, "partial:x")

	if err := provider.Cancel(ctx, "s1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := provider.Cancel(ctx, "s1"); err != nil {
		t.Fatalf("second cancel should be accepted: %v", err)
	}
	if err := provider.Stop(ctx, "s1"); err == nil {
		t.Fatal("expected stop of cancelled session to fail")
	}
	sendFrame(t, client, "mic", true)
	events.expectNone(t)
}

func TestServiceReportsFinalFailure(t *testing.T) {
	client, provider := startService(t, testSTTConfig(), &scriptedRecognizer{finalErr: errors.New("engine crashed")})
	ctx := context.Background()

	events := newEventLog()
	unregister, err := provider.Register("s1", events)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer unregister()

	if err := provider.Start(ctx, "s1", "en-IN"); err != nil {
		t.Fatalf("start: %v", err)
	}
	sendFrame(t, client, "mic", true)
	events.expect(t, "speech_start")
	events.expect(t, "speech_end")

	if err := provider.Stop(ctx, "s1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	events.expect(t, "error:recognizer: engine crashed")
}

func TestProviderUnregisterStopsDelivery(t *testing.T) {
	client, provider := startService(t, testSTTConfig(), &scriptedRecognizer{})

	events := newEventLog()
	unregister, err := provider.Register("s1", events)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	event := protocol.RecognitionEvent{SessionID: "s1", Kind: protocol.EventSpeechEnd}
	if err := client.PublishJSON(protocol.RecognitionEventSubject("s1", protocol.EventSpeechEnd), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	events.expect(t, "speech_end")

	unregister()
	unregister()
	if err := client.PublishJSON(protocol.RecognitionEventSubject("s1", protocol.EventSpeechEnd), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	events.expectNone(t)
}

// lostStartReply starts recognition but reports a timeout the first time, as
// when the reply arrives after the caller gave up.
type lostStartReply struct {
	*Provider
	once sync.Once
}

func (p *lostStartReply) Start(ctx context.Context, sessionID, locale string) error {
	if err := p.Provider.Start(ctx, sessionID, locale); err != nil {
		return err
	}
	var err error
	p.once.Do(func() { err = context.DeadlineExceeded })
	return err
}

func testCaptureConfig() config.CaptureConfig {
	return config.CaptureConfig{
		Locale:            "en-IN",
		SettleDelayMS:     100,
		StartErrorMessage: "Could not start voice input.",
		ErrorMessage:      "Voice input failed.",
		ProviderTimeoutMS: 2000,
	}
}

func TestFailedStartReleasesRecognition(t *testing.T) {
	_, provider := startService(t, testSTTConfig(), &scriptedRecognizer{})
	var reported []string
	ctrl := capture.NewController(testCaptureConfig(), &lostStartReply{Provider: provider}, nil, nil,
		capture.WithErrorHandler(func(message string) { reported = append(reported, message) }))

	if err := ctrl.Start(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected start timeout, got %v", err)
	}
	if len(reported) != 1 || reported[0] != "Could not start voice input." {
		t.Fatalf("unexpected reported errors %v", reported)
	}
	if status := ctrl.Status(); status.State != capture.StateIdle {
		t.Fatalf("expected idle after failed start, got %+v", status)
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("fresh start after failed start: %v", err)
	}
	if status := ctrl.Status(); status.State != capture.StateListening {
		t.Fatalf("expected listening, got %+v", status)
	}
	if err := ctrl.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestStartOutlivesCallerContext(t *testing.T) {
	_, provider := startService(t, testSTTConfig(), &scriptedRecognizer{})
	ctrl := capture.NewController(testCaptureConfig(), provider, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start with finished caller context: %v", err)
	}
	if err := ctrl.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
	if err := ctrl.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}
