// Package control exposes the capture controller over bus request/reply.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 5 * time.Second

// Capture is the part of the controller driven remotely.
type Capture interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cancel(ctx context.Context) error
	Status() capture.Status
}

type Service struct {
	bus  *bus.Client
	ctrl Capture
	log  *slog.Logger
	subs []*nats.Subscription
}

func NewService(busClient *bus.Client, ctrl Capture, log *slog.Logger) *Service {
	return &Service{
		bus:  busClient,
		ctrl: ctrl,
		log:  log.With(slog.String("component", "capture-control")),
	}
}

func (s *Service) Start() error {
	handlers := map[string]func(context.Context) error{
		protocol.SubjectCaptureControlStart: s.ctrl.Start,
		protocol.SubjectCaptureControlStop:  s.ctrl.Stop,
		protocol.SubjectCaptureControlCancel: func(ctx context.Context) error {
			// dismissing an already closed overlay is not an error
			if err := s.ctrl.Cancel(ctx); err != nil && !errors.Is(err, capture.ErrNoActiveSession) {
				return err
			}
			return nil
		},
		protocol.SubjectCaptureControlStatus: func(context.Context) error { return nil },
	}
	for subject, op := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, s.handle(op))
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 }

func (s *Service) handle(op func(context.Context) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		err := op(ctx)
		status := s.ctrl.Status().Message()
		reply := protocol.ControlReply{OK: err == nil, Status: &status}
		if err != nil {
			reply.Error = err.Error()
			s.log.Info("capture control failed", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		}
		if err := s.bus.RespondJSON(msg, reply); err != nil {
			s.log.Warn("failed to answer control request", slog.String("error", err.Error()))
		}
	}
}
