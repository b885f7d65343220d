package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/admission"
	"github.com/hungshinlee/whisper-for-subs/internal/audio"
	"github.com/hungshinlee/whisper-for-subs/internal/bus"
	"github.com/hungshinlee/whisper-for-subs/internal/config"
	"github.com/hungshinlee/whisper-for-subs/internal/fetch"
	"github.com/hungshinlee/whisper-for-subs/internal/history"
	"github.com/hungshinlee/whisper-for-subs/internal/natsserver"
	"github.com/hungshinlee/whisper-for-subs/internal/transcriber"
	"github.com/hungshinlee/whisper-for-subs/internal/vad"
)

// Runtime assembles the daemon: embedded bus, history store, transcriber
// service and the HTTP front-end.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	svc *transcriber.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(busCfg, r.logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	hist, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return err
	}
	defer hist.Close()

	svc, err := transcriber.NewService(ctx, r.cfg, busClient, hist, r.logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	r.svc = svc

	if r.cfg.Engine.Preload {
		if err := svc.Preload(ctx); err != nil {
			r.logger.Warn("engine preload failed", slog.String("error", err.Error()))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/transcribe", r.handleTranscribe)
	mux.HandleFunc("/history", r.handleHistory(hist))

	var metricsServer *http.Server
	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		r.logger.Info("metrics endpoint up", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleTranscribe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var treq transcriber.Request
	if err := json.NewDecoder(req.Body).Decode(&treq); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	result, err := r.svc.Transcribe(req.Context(), treq)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, admission.ErrAdmissionTimeout):
			status = http.StatusServiceUnavailable
		case isInputError(err):
			status = http.StatusBadRequest
		}
		r.logger.Warn("transcription failed", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (r *Runtime) handleHistory(hist *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		records, err := hist.Recent(req.Context(), 50)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	}
}

func isInputError(err error) bool {
	var decodeErr *audio.DecodeError
	var fetchErr *fetch.FetchError
	var segErr *vad.SegmenterError
	return errors.As(err, &decodeErr) ||
		errors.As(err, &fetchErr) ||
		errors.As(err, &segErr) ||
		errors.Is(err, audio.ErrEmptyAudio)
}
