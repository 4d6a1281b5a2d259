package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
)

const recordTimeout = 2 * time.Second

// Recorder appends capture status changes to the store. Transcripts are
// left out of payloads unless withTranscripts is set.
type Recorder struct {
	store           *Store
	locale          string
	withTranscripts bool
	log             *slog.Logger

	mu   sync.Mutex
	open string
}

var _ capture.Observer = (*Recorder)(nil)

type statusPayload struct {
	Listening  bool   `json:"listening"`
	Processing bool   `json:"processing"`
	Pulsing    bool   `json:"pulsing"`
	Overlay    bool   `json:"overlay"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

func NewRecorder(store *Store, locale string, withTranscripts bool, log *slog.Logger) *Recorder {
	return &Recorder{
		store:           store,
		locale:          locale,
		withTranscripts: withTranscripts,
		log:             log.With(slog.String("component", "capture-recorder")),
	}
}

func (r *Recorder) StatusChanged(status capture.Status) {
	if status.SessionID == "" || status.State == capture.StateIdle {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open != status.SessionID {
		if err := r.store.OpenSession(ctx, status.SessionID, r.locale, "session"); err != nil {
			r.log.Warn("failed to record session", slog.String("session_id", status.SessionID), slog.String("error", err.Error()))
			return
		}
		r.open = status.SessionID
	}

	payload := statusPayload{
		Listening:  status.Listening,
		Processing: status.Processing,
		Pulsing:    status.Pulsing,
		Overlay:    status.Overlay,
		Error:      status.Error,
	}
	if r.withTranscripts {
		payload.Transcript = status.Transcript
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("failed to encode status", slog.String("error", err.Error()))
		return
	}
	evt := Event{
		SessionID: status.SessionID,
		Type:      "capture." + string(status.State),
		Payload:   data,
		Privacy:   "session",
		CreatedAt: status.At,
	}
	if err := r.store.AppendEvent(ctx, evt); err != nil {
		r.log.Warn("failed to record status", slog.String("session_id", status.SessionID), slog.String("error", err.Error()))
	}

	switch status.State {
	case capture.StateConfirming, capture.StateCancelled, capture.StateFailed:
		outcome := status.Outcome
		if outcome == "" {
			outcome = string(status.State)
		}
		if err := r.store.CloseSession(ctx, status.SessionID, outcome); err != nil {
			r.log.Warn("failed to close session", slog.String("session_id", status.SessionID), slog.String("error", err.Error()))
		}
		r.open = ""
	}
}
