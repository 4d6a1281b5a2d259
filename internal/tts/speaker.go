package tts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
)

// Speaker publishes speech requests for the synthesis service. It does not
// wait for playback.
type Speaker struct {
	cfg config.TTSConfig
	bus *bus.Client
}

var _ capture.Speaker = (*Speaker)(nil)

func NewSpeaker(cfg config.TTSConfig, busClient *bus.Client) *Speaker {
	return &Speaker{cfg: cfg, bus: busClient}
}

func (s *Speaker) Speak(ctx context.Context, text string, opts capture.SpeakOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if text == "" {
		return errors.New("nothing to speak")
	}
	return s.bus.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{
		SessionID: uuid.NewString(),
		Text:      text,
		Voice:     s.cfg.Voice,
		Language:  opts.Language,
		Pitch:     opts.Pitch,
		Rate:      opts.Rate,
		Target:    s.cfg.Target,
	})
}

// Stop interrupts anything this speaker's target is saying.
func (s *Speaker) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bus.PublishJSON(protocol.SubjectTTSStop, protocol.TTSStop{Target: s.cfg.Target})
}
