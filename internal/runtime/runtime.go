package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/control"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/loqalabs/loqa-capture/internal/overlay"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"github.com/loqalabs/loqa-capture/internal/tts"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServers []*http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	closers []func()

	bus        *bus.Client
	store      *eventstore.Store
	stt        *stt.Service
	tts        *tts.Service
	hub        *overlay.Hub
	controller *capture.Controller
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves HTTP until ctx is done and then
// shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.closeComponents()
		r.shutdownTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	api := &captureAPI{
		ctrl:     r.controller,
		timeline: r.store,
		watch:    r.hub,
		logger:   r.logger.With(slog.String("component", "http-api")),
	}
	api.register(mux)

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	r.serve(&http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.serve(&http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range r.httpServers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if err := r.controller.Cancel(shutdownCtx); err == nil {
		r.logger.Info("cancelled capture in progress")
	}
	r.closeComponents()
	r.shutdownTelemetry()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		r.closers = append(r.closers, embedded.Shutdown)
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.closers = append(r.closers, r.bus.Close)

	if stream := r.cfg.Bus.ResultsStream; stream != "" {
		maxAge := time.Duration(r.cfg.Bus.ResultsMaxAgeHr) * time.Hour
		subjects := []string{protocol.SubjectCaptureTranscript, protocol.SubjectCaptureError}
		if err := r.bus.EnsureStream(stream, subjects, maxAge); err != nil {
			r.logger.Warn("capture results will not be retained", slog.String("stream", stream), slog.String("error", err.Error()))
		}
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.closers = append(r.closers, func() {
		if err := store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	})
	r.store = store

	recognizer, err := newRecognizer(r.cfg.STT)
	if err != nil {
		return err
	}
	r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer)
	if err := r.stt.Start(); err != nil {
		return fmt.Errorf("start stt service: %w", err)
	}
	r.closers = append(r.closers, r.stt.Close)

	synth, err := newSynthesizer(r.cfg.TTS)
	if err != nil {
		return err
	}
	r.tts = tts.NewService(ctx, r.cfg.TTS, r.bus, synth, r.logger)
	if err := r.tts.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}
	r.closers = append(r.closers, r.tts.Close)

	r.hub = overlay.NewHub(r.bus, r.logger)
	r.closers = append(r.closers, r.hub.Close)

	recorder := eventstore.NewRecorder(store, r.cfg.Capture.Locale, r.cfg.Capture.RecordTranscripts, r.logger)
	r.controller = capture.NewController(r.cfg.Capture,
		stt.NewProvider(r.bus),
		tts.NewSpeaker(r.cfg.TTS, r.bus),
		nil,
		capture.WithTranscriptSink(r.publishTranscript),
		capture.WithErrorHandler(r.publishError),
		capture.WithObserver(r.hub),
		capture.WithObserver(recorder),
		capture.WithLogger(r.logger),
	)

	ctl := control.NewService(r.bus, r.controller, r.logger)
	if err := ctl.Start(); err != nil {
		return fmt.Errorf("start capture control: %w", err)
	}
	r.closers = append(r.closers, ctl.Close)
	return nil
}

func (r *Runtime) closeComponents() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) serve(srv *http.Server) {
	r.httpServers = append(r.httpServers, srv)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
}

// publishTranscript is the consumer of delivered dictation.
func (r *Runtime) publishTranscript(sessionID, text string) {
	msg := protocol.CaptureTranscript{
		SessionID: sessionID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectCaptureTranscript, msg); err != nil {
		r.logger.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

func (r *Runtime) publishError(message string) {
	msg := protocol.CaptureError{Message: message, Timestamp: time.Now().UTC()}
	if err := r.bus.PublishJSON(protocol.SubjectCaptureError, msg); err != nil {
		r.logger.Warn("failed to publish capture error", slog.String("error", err.Error()))
	}
}

func newRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return stt.NewExecRecognizer(cfg)
	default:
		return stt.NewMockRecognizer(), nil
	}
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	}
}

func (r *Runtime) healthy() bool {
	return r.bus.Healthy() && r.stt.Healthy() && r.tts.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
