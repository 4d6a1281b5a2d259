package tts

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

type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int
	inflight map[int]inflightSynth
}

type inflightSynth struct {
	target string
	cancel context.CancelFunc
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		synth:    synth,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "tts-service")),
		inflight: make(map[int]inflightSynth),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectTTSRequest: s.handleRequest,
		protocol.SubjectTTSStop:    s.handleStop,
	} {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}

	ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	id := s.track(req.Target, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(id)
		defer cancel()

		chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
			SessionID: req.SessionID,
			Text:      req.Text,
			Voice:     req.Voice,
			Language:  req.Language,
			Pitch:     req.Pitch,
			Rate:      req.Rate,
		})
		sequence := 0
		finished := false
		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					break
				}
				chunk.Sequence = sequence
				sequence++
				s.publishChunk(req, chunk)
				finished = finished || chunk.Final
			case err, ok := <-errs:
				if ok && err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn("tts synthesis error", slogError(err))
				}
				errs = nil
			case <-ctx.Done():
				s.logger.Info("tts synthesis interrupted", slog.String("session_id", req.SessionID), slogError(ctx.Err()))
				chunks, errs = nil, nil
			}
			if chunks == nil && errs == nil {
				if !finished {
					s.publishDone(req, false)
				}
				return
			}
		}
	}()
}

// handleStop interrupts in-flight synthesis for the requested target, or for
// every target when none is given.
func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.TTSStop
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode tts stop", slogError(err))
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stopped := 0
	for _, synth := range s.inflight {
		if req.Target == "" || req.Target == synth.target {
			synth.cancel()
			stopped++
		}
	}
	s.logger.Debug("tts stop", slog.String("target", req.Target), slog.Int("stopped", stopped))
}

func (s *Service) track(target string, cancel context.CancelFunc) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.inflight[s.nextID] = inflightSynth{target: target, cancel: cancel}
	return s.nextID
}

func (s *Service) untrack(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
	if chunk.Final {
		s.publishDone(req, true)
	}
}

func (s *Service) publishDone(req protocol.TTSRequest, completed bool) {
	status := protocol.TTSStatus{SessionID: req.SessionID, Target: req.Target, Completed: completed, Timestamp: time.Now().UTC()}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
