package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-capture/capture"

// Controller drives one voice capture session at a time from the user's
// start intent to a delivered transcript, a cancellation or a failure.
type Controller struct {
	cfg          config.CaptureConfig
	recognizer   Recognizer
	speaker      Speaker
	onTranscript func(text string)
	onError      func(message string)
	observers    []Observer
	logger       *slog.Logger

	schedule func(d time.Duration, fn func()) (stop func() bool)
	newID    func() string
	clock    func() time.Time

	tracer   trace.Tracer
	sessions metric.Int64Counter
	duration metric.Float64Histogram

	deliver func(sessionID, text string)

	mu         sync.Mutex
	current    *session
	outbox     []Status
	delivering bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithErrorHandler sets the callback receiving user-facing failure messages.
func WithErrorHandler(fn func(message string)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithTranscriptSink sets a transcript consumer that also receives the ID of
// the delivering session. It runs after the one given to NewController.
func WithTranscriptSink(fn func(sessionID, text string)) Option {
	return func(c *Controller) { c.deliver = fn }
}

// WithObserver adds an observer of status changes.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewController(cfg config.CaptureConfig, recognizer Recognizer, speaker Speaker, onTranscript func(text string), opts ...Option) *Controller {
	c := &Controller{
		cfg:          cfg,
		recognizer:   recognizer,
		speaker:      speaker,
		onTranscript: onTranscript,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		schedule:     afterFunc,
		newID:        uuid.NewString,
		clock:        time.Now,
		tracer:       otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "capture"))
	c.initMetrics()
	return c
}

func afterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

func (c *Controller) initMetrics() {
	meter := otel.Meter(instrumentationName)
	sessions, err := meter.Int64Counter("loqa.capture.sessions",
		metric.WithDescription("Capture sessions by outcome"))
	if err != nil {
		c.logger.Warn("failed to create sessions counter", slogError(err))
	}
	c.sessions = sessions
	duration, err := meter.Float64Histogram("loqa.capture.session.duration",
		metric.WithDescription("Capture session duration"),
		metric.WithUnit("s"))
	if err != nil {
		c.logger.Warn("failed to create duration histogram", slogError(err))
	}
	c.duration = duration
}

// Start opens a capture session and asks the recognizer to begin listening.
// It fails with ErrSessionActive while another session is in progress,
// including one that is still releasing the recognizer.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ErrSessionActive
	}
	s := &session{id: c.newID(), state: StateListening, startedAt: c.clock(), starting: true}
	_, s.span = c.tracer.Start(ctx, "capture.session",
		trace.WithAttributes(attribute.String("capture.session_id", s.id)))
	c.current = s
	c.mu.Unlock()

	unregister, err := c.recognizer.Register(s.id, &sessionListener{c: c, s: s})
	if err != nil {
		if c.startSettled(s) {
			c.finish(s, outcomeCancelled)
			return nil
		}
		err = fmt.Errorf("register recognition listener: %w", err)
		c.fail(s, err, c.startErrorMessage(), false)
		return err
	}

	c.mu.Lock()
	s.unregister = unregister
	if s.state == StateCancelled {
		c.mu.Unlock()
		c.startSettled(s)
		c.finish(s, outcomeCancelled)
		return nil
	}
	c.emitLocked(c.statusLocked())
	c.mu.Unlock()
	c.flush()

	// The provider call outlives the caller: an abandoned request must not
	// leave the recognizer holding a session nobody owns.
	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.providerTimeout())
	defer cancel()
	c.silenceConfirmation(startCtx)
	err = c.recognizer.Start(startCtx, s.id, c.cfg.Locale)

	if c.startSettled(s) {
		c.cancelProvider(s.id)
		c.finish(s, outcomeCancelled)
		return nil
	}
	if err != nil {
		err = fmt.Errorf("start recognition: %w", err)
	}

	c.mu.Lock()
	ended := c.current != s
	c.mu.Unlock()
	if ended {
		// failed while the provider was starting
		c.cancelProvider(s.id)
		return err
	}
	if err != nil {
		c.fail(s, err, c.startErrorMessage(), true)
		return err
	}

	c.logger.Info("capture started", slog.String("session_id", s.id), slog.String("locale", c.cfg.Locale))
	return nil
}

// startSettled marks the provider start as answered and reports whether the
// session was cancelled meanwhile. A cancelled session is then finished by
// the caller.
func (c *Controller) startSettled(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.starting = false
	return c.current == s && s.state == StateCancelled
}

// Stop ends listening. The transcript is finalized after the settle delay.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return ErrNoActiveSession
	}
	return c.stopSession(ctx, s)
}

// Cancel discards the active session without delivering its transcript. The
// session stays active until the recognizer has been told to cancel.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	if s == nil {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if s.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	s.state = StateCancelled
	s.outcome = outcomeCancelled
	s.transcript = ""
	s.pulsing = false
	c.stopSettleLocked(s)
	c.emitLocked(c.statusLocked())
	starting := s.starting
	c.mu.Unlock()
	c.flush()

	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.providerTimeout())
	defer cancel()
	if err := c.recognizer.Cancel(cancelCtx, s.id); err != nil {
		c.logger.Warn("recognizer cancel failed", slog.String("session_id", s.id), slogError(err))
	}

	c.logger.Info("capture cancelled", slog.String("session_id", s.id))
	if starting {
		// Start finishes the session once the provider has answered.
		return nil
	}
	c.finish(s, outcomeCancelled)
	return nil
}

// Status returns the current observable status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) stopSession(ctx context.Context, s *session) error {
	c.mu.Lock()
	if c.current != s || s.state != StateListening {
		c.mu.Unlock()
		return nil
	}
	s.state = StateFinalizing
	s.pulsing = false
	s.cancelSettle = c.schedule(c.settleDelay(), func() { c.confirm(s) })
	c.emitLocked(c.statusLocked())
	c.mu.Unlock()
	c.flush()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.providerTimeout())
	defer cancel()
	if err := c.recognizer.Stop(stopCtx, s.id); err != nil {
		err = fmt.Errorf("stop recognition: %w", err)
		c.fail(s, err, c.cfg.ErrorMessage, true)
		return err
	}
	return nil
}

// confirm releases the session before the transcript is handed out, so a
// consumer may start the next capture right away.
func (c *Controller) confirm(s *session) {
	c.mu.Lock()
	if c.current != s || s.state != StateFinalizing {
		c.mu.Unlock()
		return
	}
	s.state = StateConfirming
	text := s.transcript
	s.outcome = outcomeEmpty
	if text != "" {
		s.outcome = outcomeDelivered
	}
	c.emitLocked(c.statusLocked())
	fx := c.endLocked(s)
	c.emitLocked(c.endedStatus(s))
	c.mu.Unlock()
	c.flush()
	fx.run()

	if s.outcome == outcomeDelivered {
		if c.onTranscript != nil {
			c.onTranscript(text)
		}
		if c.deliver != nil {
			c.deliver(s.id, text)
		}
		c.speakConfirmation()
	}

	c.logger.Info("capture finished", slog.String("session_id", s.id), slog.String("outcome", string(s.outcome)))
	c.record(s, s.outcome)
}

func (c *Controller) speakConfirmation() {
	phrase := strings.TrimSpace(c.cfg.ConfirmationPhrase)
	if phrase == "" || c.speaker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.providerTimeout())
	defer cancel()
	err := c.speaker.Speak(ctx, phrase, SpeakOptions{
		Language: c.cfg.Locale,
		Pitch:    c.cfg.ConfirmationPitch,
		Rate:     c.cfg.ConfirmationRate,
	})
	if err != nil {
		c.logger.Warn("confirmation speech failed", slogError(err))
	}
}

// silenceConfirmation stops a previous confirmation still playing so the
// recognizer does not hear it.
func (c *Controller) silenceConfirmation(ctx context.Context) {
	if c.speaker == nil {
		return
	}
	if err := c.speaker.Stop(ctx); err != nil {
		c.logger.Debug("confirmation stop failed", slogError(err))
	}
}

func (c *Controller) onSpeechStart(s *session) {
	c.mu.Lock()
	if c.current != s || s.state != StateListening || s.pulsing {
		c.mu.Unlock()
		return
	}
	s.pulsing = true
	c.emitLocked(c.statusLocked())
	c.mu.Unlock()
	c.flush()
}

func (c *Controller) onResult(s *session, candidates []string, final bool) {
	if len(candidates) == 0 {
		return
	}
	c.mu.Lock()
	if c.current != s || (s.state != StateListening && s.state != StateFinalizing) {
		c.mu.Unlock()
		return
	}
	s.transcript = candidates[0]
	shortcut := final && c.cfg.FinalizeOnResult && s.state == StateFinalizing
	c.emitLocked(c.statusLocked())
	c.mu.Unlock()
	c.flush()

	if shortcut {
		c.confirm(s)
	}
}

func (c *Controller) onSpeechEnd(s *session) {
	c.mu.Lock()
	listening := c.current == s && s.state == StateListening
	c.mu.Unlock()
	if !listening {
		return
	}
	if err := c.stopSession(context.Background(), s); err != nil {
		c.logger.Warn("stop after speech end failed", slog.String("session_id", s.id), slogError(err))
	}
}

func (c *Controller) onProviderError(s *session, err error) {
	if err == nil {
		err = errors.New("recognition failed")
	}
	c.fail(s, err, c.cfg.ErrorMessage, true)
}

// fail moves s through Failed to Idle and reports message once. When
// cancelProvider is set the session is held until the recognizer has been
// told to cancel.
func (c *Controller) fail(s *session, cause error, message string, cancelProvider bool) {
	c.mu.Lock()
	if c.current != s || s.state.Terminal() {
		c.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.outcome = outcomeFailed
	s.err = cause
	s.message = message
	s.transcript = ""
	s.pulsing = false
	c.stopSettleLocked(s)
	c.emitLocked(c.statusLocked())
	c.mu.Unlock()
	c.flush()

	if cancelProvider {
		c.cancelProvider(s.id)
	}
	c.logger.Warn("capture failed", slog.String("session_id", s.id), slogError(cause))
	c.finish(s, outcomeFailed)
	if c.onError != nil {
		c.onError(message)
	}
}

func (c *Controller) cancelProvider(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.providerTimeout())
	defer cancel()
	if err := c.recognizer.Cancel(ctx, sessionID); err != nil {
		c.logger.Debug("recognizer cancel failed", slog.String("session_id", sessionID), slogError(err))
	}
}

// finish releases s and reports the idle status that closes it.
func (c *Controller) finish(s *session, result outcome) {
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		return
	}
	s.outcome = result
	fx := c.endLocked(s)
	c.emitLocked(c.endedStatus(s))
	c.mu.Unlock()
	c.flush()
	fx.run()
	c.record(s, result)
}

func (c *Controller) stopSettleLocked(s *session) {
	if s.cancelSettle != nil {
		s.cancelSettle()
		s.cancelSettle = nil
	}
}

// endLocked detaches s from the controller. The returned effects must run
// after the lock is released.
func (c *Controller) endLocked(s *session) effects {
	var fx effects
	c.stopSettleLocked(s)
	if s.unregister != nil {
		fx = append(fx, s.unregister)
		s.unregister = nil
	}
	if c.current == s {
		c.current = nil
	}
	return fx
}

func (c *Controller) statusLocked() Status {
	status := Status{State: StateIdle, At: c.clock().UTC()}
	s := c.current
	if s == nil {
		return status
	}
	status.SessionID = s.id
	status.State = s.state
	status.Transcript = s.transcript
	status.Outcome = string(s.outcome)
	switch s.state {
	case StateListening:
		status.Listening = true
		status.Pulsing = s.pulsing
		status.Overlay = true
	case StateFinalizing, StateConfirming:
		status.Processing = true
		status.Overlay = true
	case StateFailed:
		status.Error = s.message
	}
	return status
}

// endedStatus is the idle status closing s. It names s so observers can
// tell it from the idle state of a later session.
func (c *Controller) endedStatus(s *session) Status {
	return Status{SessionID: s.id, State: StateIdle, Outcome: string(s.outcome), At: c.clock().UTC()}
}

// emitLocked queues a status for observers. Statuses are queued under the
// same lock that orders transitions, so observers see them in that order.
func (c *Controller) emitLocked(status Status) {
	c.outbox = append(c.outbox, status)
}

// flush hands queued statuses to observers. Only one goroutine delivers at a
// time; a concurrent or reentrant call leaves its statuses to it.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.outbox) > 0 {
		batch := c.outbox
		c.outbox = nil
		c.mu.Unlock()
		for _, status := range batch {
			for _, o := range c.observers {
				o.StatusChanged(status)
			}
		}
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

func (c *Controller) record(s *session, result outcome) {
	attrs := metric.WithAttributes(attribute.String("outcome", string(result)))
	ctx := context.Background()
	if c.sessions != nil {
		c.sessions.Add(ctx, 1, attrs)
	}
	if c.duration != nil {
		c.duration.Record(ctx, c.clock().Sub(s.startedAt).Seconds(), attrs)
	}
	if s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.String("capture.outcome", string(result)))
	if result == outcomeFailed && s.err != nil {
		s.span.RecordError(s.err)
		s.span.SetStatus(codes.Error, s.err.Error())
	}
	s.span.End()
}

func (c *Controller) settleDelay() time.Duration {
	return time.Duration(c.cfg.SettleDelayMS) * time.Millisecond
}

func (c *Controller) providerTimeout() time.Duration {
	if c.cfg.ProviderTimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.cfg.ProviderTimeoutMS) * time.Millisecond
}

func (c *Controller) startErrorMessage() string {
	if c.cfg.StartErrorMessage != "" {
		return c.cfg.StartErrorMessage
	}
	return c.cfg.ErrorMessage
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
