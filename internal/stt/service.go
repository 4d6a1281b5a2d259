package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

var (
	ErrDisabled       = errors.New("speech recognition disabled")
	ErrSessionBusy    = errors.New("recognition session busy")
	ErrUnknownSession = errors.New("unknown recognition session")
)

const transcribeTimeout = 45 * time.Second

// Service is the recognition capability of the runtime. It listens for one
// session at a time, attributing audio frames from the configured source to
// it, and reports progress as recognition events on the bus.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*listenSession
	listening string

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

type listenSession struct {
	id          string
	locale      string
	buffer      []byte
	heard       bool
	ended       bool
	inflight    bool
	lastPartial time.Time
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        busClient.Logger().With(slog.String("component", "stt")),
		sessions:   make(map[string]*listenSession),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to control subjects and, when enabled, to audio frames.
// Control requests are answered even when disabled so callers get a clear
// refusal instead of a timeout.
func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectSTTControlStart:  s.control(s.begin),
		protocol.SubjectSTTControlStop:   s.control(s.stop),
		protocol.SubjectSTTControlCancel: s.control(s.abort),
	}
	if s.cfg.Enabled {
		handlers[protocol.AudioFrameSubject(s.cfg.Source)] = s.handleFrame
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) control(op func(protocol.RecognitionControl) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req protocol.RecognitionControl
		err := json.Unmarshal(msg.Data, &req)
		if err != nil {
			err = fmt.Errorf("decode control request: %w", err)
		} else if req.SessionID == "" {
			err = errors.New("session id required")
		} else {
			err = op(req)
		}
		reply := protocol.ControlReply{OK: err == nil}
		if err != nil {
			reply.Error = err.Error()
			s.log.Debug("recognition control rejected", slog.String("subject", msg.Subject), slogError(err))
		}
		if err := s.bus.RespondJSON(msg, reply); err != nil {
			s.log.Warn("failed to answer control request", slogError(err))
		}
	}
}

func (s *Service) begin(req protocol.RecognitionControl) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening == req.SessionID {
		return nil
	}
	if s.listening != "" {
		return ErrSessionBusy
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.sessions[req.SessionID] = &listenSession{
		id:     req.SessionID,
		locale: req.Locale,
		ctx:    ctx,
		cancel: cancel,
	}
	s.listening = req.SessionID
	s.log.Info("recognition started", slog.String("session_id", req.SessionID), slog.String("locale", req.Locale))
	return nil
}

// stop detaches the session from the audio source and transcribes what was
// heard. The final event follows asynchronously.
func (s *Service) stop(req protocol.RecognitionControl) error {
	s.mu.Lock()
	sess := s.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		return ErrUnknownSession
	}
	if s.listening != req.SessionID {
		s.mu.Unlock()
		return nil
	}
	s.listening = ""
	s.mu.Unlock()

	s.transcribe(sess, true)
	return nil
}

// abort drops the session without further events.
func (s *Service) abort(req protocol.RecognitionControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[req.SessionID]
	if sess == nil {
		return nil
	}
	sess.cancel()
	delete(s.sessions, req.SessionID)
	if s.listening == req.SessionID {
		s.listening = ""
	}
	s.log.Info("recognition cancelled", slog.String("session_id", req.SessionID))
	return nil
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	sess := s.sessions[s.listening]
	if sess == nil || sess.ended {
		s.mu.Unlock()
		return
	}
	first := !sess.heard
	sess.heard = true
	sess.buffer = append(sess.buffer, frame.PCM...)
	sess.ended = frame.Final
	partial := s.cfg.PublishInterim && !frame.Final && s.partialDueLocked(sess)
	s.mu.Unlock()

	if first {
		s.emit(protocol.RecognitionEvent{SessionID: sess.id, Kind: protocol.EventSpeechStart})
	}
	if partial {
		s.transcribe(sess, false)
	}
	if frame.Final {
		s.emit(protocol.RecognitionEvent{SessionID: sess.id, Kind: protocol.EventSpeechEnd})
	}
}

func (s *Service) partialDueLocked(sess *listenSession) bool {
	if sess.inflight {
		return false
	}
	if !sess.lastPartial.IsZero() {
		interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
		if interval <= 0 || time.Since(sess.lastPartial) < interval {
			return false
		}
	}
	sess.inflight = true
	sess.lastPartial = time.Now()
	return true
}

func (s *Service) transcribe(sess *listenSession, final bool) {
	s.mu.Lock()
	pcm := append([]byte(nil), sess.buffer...)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(sess.ctx, transcribeTimeout)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels, sess.locale, final)

		s.mu.Lock()
		live := s.sessions[sess.id] == sess
		if final {
			delete(s.sessions, sess.id)
		} else {
			sess.inflight = false
			sess.lastPartial = time.Now()
			live = live && s.listening == sess.id
		}
		s.mu.Unlock()

		if !live || sess.ctx.Err() != nil {
			return
		}
		if final {
			sess.cancel()
		}
		if err != nil {
			if !final {
				s.log.Warn("partial transcription failed", slog.String("session_id", sess.id), slogError(err))
				return
			}
			s.emit(protocol.RecognitionEvent{
				SessionID: sess.id,
				Kind:      protocol.EventError,
				Code:      "recognizer",
				Message:   err.Error(),
			})
			return
		}
		if result.Text == "" {
			return
		}
		kind := protocol.EventPartial
		if final {
			kind = protocol.EventFinal
		}
		s.emit(protocol.RecognitionEvent{
			SessionID:  sess.id,
			Kind:       kind,
			Candidates: []string{result.Text},
			Confidence: result.Confidence,
		})
	}()
}

func (s *Service) emit(event protocol.RecognitionEvent) {
	event.Timestamp = time.Now().UTC()
	subject := protocol.RecognitionEventSubject(event.SessionID, event.Kind)
	if err := s.bus.PublishJSON(subject, event); err != nil {
		s.log.Warn("failed to publish recognition event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
