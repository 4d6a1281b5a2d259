package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

const eventBuffer = 256

// RecognitionError is reported to listeners when the recognition service
// emits an error event.
type RecognitionError struct {
	Code    string
	Message string
}

func (e *RecognitionError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Provider drives the recognition service over the bus and implements
// capture.Recognizer.
type Provider struct {
	bus *bus.Client
	log *slog.Logger
}

var _ capture.Recognizer = (*Provider)(nil)

func NewProvider(busClient *bus.Client) *Provider {
	return &Provider{
		bus: busClient,
		log: busClient.Logger().With(slog.String("component", "stt-provider")),
	}
}

// Register subscribes one handler per event kind for the session. All
// subscriptions feed a single channel so events reach the listener in the
// order they were published.
func (p *Provider) Register(sessionID string, listener capture.Listener) (func(), error) {
	kinds := []string{
		protocol.EventSpeechStart,
		protocol.EventPartial,
		protocol.EventFinal,
		protocol.EventSpeechEnd,
		protocol.EventError,
	}
	ch := make(chan *nats.Msg, eventBuffer)
	done := make(chan struct{})
	var (
		subs []*nats.Subscription
		once sync.Once
	)
	unregister := func() {
		once.Do(func() {
			for _, sub := range subs {
				if err := sub.Unsubscribe(); err != nil {
					p.log.Debug("unsubscribe failed", slog.String("subject", sub.Subject), slogError(err))
				}
			}
			close(done)
		})
	}
	for _, kind := range kinds {
		subject := protocol.RecognitionEventSubject(sessionID, kind)
		sub, err := p.bus.Conn().ChanSubscribe(subject, ch)
		if err != nil {
			unregister()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case msg := <-ch:
				p.dispatch(msg, listener)
			}
		}
	}()
	return unregister, nil
}

func (p *Provider) dispatch(msg *nats.Msg, listener capture.Listener) {
	var event protocol.RecognitionEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		p.log.Warn("failed to decode recognition event", slog.String("subject", msg.Subject), slogError(err))
		return
	}
	kind := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	switch kind {
	case protocol.EventSpeechStart:
		listener.SpeechStarted()
	case protocol.EventPartial:
		listener.InterimResult(event.Candidates)
	case protocol.EventFinal:
		listener.FinalResult(event.Candidates)
	case protocol.EventSpeechEnd:
		listener.SpeechEnded()
	case protocol.EventError:
		listener.RecognitionFailed(&RecognitionError{Code: event.Code, Message: event.Message})
	}
}

func (p *Provider) Start(ctx context.Context, sessionID, locale string) error {
	return p.request(ctx, protocol.SubjectSTTControlStart, protocol.RecognitionControl{SessionID: sessionID, Locale: locale})
}

func (p *Provider) Stop(ctx context.Context, sessionID string) error {
	return p.request(ctx, protocol.SubjectSTTControlStop, protocol.RecognitionControl{SessionID: sessionID})
}

func (p *Provider) Cancel(ctx context.Context, sessionID string) error {
	return p.request(ctx, protocol.SubjectSTTControlCancel, protocol.RecognitionControl{SessionID: sessionID})
}

func (p *Provider) request(ctx context.Context, subject string, req protocol.RecognitionControl) error {
	var reply protocol.ControlReply
	if err := p.bus.RequestJSON(ctx, subject, req, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s rejected: %s", subject, reply.Error)
	}
	return nil
}
