package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/control"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/protocol"
)

// timeline is the read side of the event store.
type timeline interface {
	ListSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

type captureAPI struct {
	ctrl     control.Capture
	timeline timeline
	watch    http.Handler
	logger   *slog.Logger
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (a *captureAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/capture/start", a.handleStart)
	mux.HandleFunc("POST /v1/capture/stop", a.handleStop)
	mux.HandleFunc("POST /v1/capture/cancel", a.handleCancel)
	mux.HandleFunc("GET /v1/capture/status", a.handleStatus)
	mux.HandleFunc("GET /v1/capture/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/capture/sessions/{id}/events", a.handleEvents)
	if a.watch != nil {
		mux.Handle("GET /v1/capture/watch", a.watch)
	}
}

func (a *captureAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.ctrl.Start(r.Context())
	switch {
	case errors.Is(err, capture.ErrSessionActive):
		a.reply(w, http.StatusConflict, err)
	case err != nil:
		a.reply(w, http.StatusBadGateway, err)
	default:
		a.reply(w, http.StatusAccepted, nil)
	}
}

func (a *captureAPI) handleStop(w http.ResponseWriter, r *http.Request) {
	err := a.ctrl.Stop(r.Context())
	switch {
	case errors.Is(err, capture.ErrNoActiveSession):
		a.reply(w, http.StatusConflict, err)
	case err != nil:
		a.reply(w, http.StatusBadGateway, err)
	default:
		a.reply(w, http.StatusAccepted, nil)
	}
}

func (a *captureAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := a.ctrl.Cancel(r.Context())
	if err != nil && !errors.Is(err, capture.ErrNoActiveSession) {
		a.reply(w, http.StatusBadGateway, err)
		return
	}
	a.reply(w, http.StatusOK, nil)
}

func (a *captureAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Status().Message())
}

func (a *captureAPI) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.timeline.ListSessions(r.Context(), queryLimit(r))
	if err != nil {
		a.logger.Error("list sessions failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, protocol.ControlReply{Error: "list sessions failed"})
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *captureAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.timeline.ListSessionEvents(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		a.logger.Error("list session events failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, protocol.ControlReply{Error: "list events failed"})
		return
	}
	views := make([]eventView, 0, len(events))
	for _, evt := range events {
		view := eventView{ID: evt.ID, Type: evt.Type, CreatedAt: evt.CreatedAt}
		if json.Valid(evt.Payload) {
			view.Payload = evt.Payload
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *captureAPI) reply(w http.ResponseWriter, code int, err error) {
	status := a.ctrl.Status().Message()
	reply := protocol.ControlReply{OK: err == nil, Status: &status}
	if err != nil {
		reply.Error = err.Error()
	}
	writeJSON(w, code, reply)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
