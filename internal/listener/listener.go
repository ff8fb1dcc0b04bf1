// Package listener implements the embedded command HTTP listener: the
// operator-facing automation surface that delivers control signals into
// the supervisor via a command sink, and exposes status/log endpoints
// (spec §6 "Command HTTP listener").
package listener

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/alexlavriv/ota-agent/internal/logging"
	"github.com/alexlavriv/ota-agent/internal/orchestrator"
)

// LogCapture produces a diagnostic snapshot and, when a ticket is given,
// attaches it to that support ticket. Implemented by internal/diagnostics.
type LogCapture interface {
	CaptureNow(ctx context.Context, reason string) error
	AttachToTicket(ctx context.Context, ticket string) error
}

// Listener owns the mux router and its dependencies. It never touches the
// supervisor loop directly: commands go through CommandSink, reads go
// through StatusStore.
type Listener struct {
	sink    *orchestrator.CommandSink
	status  *orchestrator.StatusStore
	capture LogCapture
	logger  *slog.Logger
	server  *http.Server
}

// New builds a Listener bound to addr (e.g. ":30000").
func New(addr string, sink *orchestrator.CommandSink, status *orchestrator.StatusStore, capture LogCapture, logger *slog.Logger) *Listener {
	l := &Listener{
		sink:    sink,
		status:  status,
		capture: capture,
		logger:  logger.With("component", "listener"),
	}
	l.server = &http.Server{
		Addr:         addr,
		Handler:      l.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return l
}

func (l *Listener) router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(l.logger))

	r.HandleFunc("/update_version", l.handleCommand(orchestrator.CommandUpdateVersion)).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/update_version_force", l.handleCommand(orchestrator.CommandUpdateVersionForce)).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/update_version_both", l.handleCommand(orchestrator.CommandUpdateBothSides)).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/status", l.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/check", l.handleCheck).Methods(http.MethodGet)
	r.HandleFunc("/write_to_log", l.handleWriteToLog).Methods(http.MethodPost)
	r.HandleFunc("/log", l.handleLog).Methods(http.MethodPost)
	r.HandleFunc("/log/{ticket}", l.handleLog).Methods(http.MethodPost)

	return r
}

// TestHandler exposes the router for tests that want to drive it through
// httptest.NewServer without binding a real port.
func (l *Listener) TestHandler() http.Handler {
	return l.server.Handler
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type commandResponse struct {
	Status string `json:"status"`
}

func (l *Listener) handleCommand(kind orchestrator.CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.sink.Send(orchestrator.Command{Kind: kind}) {
			l.writeError(w, "command sink full")
			return
		}
		l.writeJSON(w, http.StatusOK, commandResponse{Status: "accepted"})
	}
}

func (l *Listener) handleStatus(w http.ResponseWriter, r *http.Request) {
	l.writeJSON(w, http.StatusOK, l.status.Get())
}

type checkResponse struct {
	Alive bool `json:"alive"`
}

func (l *Listener) handleCheck(w http.ResponseWriter, r *http.Request) {
	l.writeJSON(w, http.StatusOK, checkResponse{Alive: true})
}

func (l *Listener) handleWriteToLog(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		l.writeError(w, "invalid request body")
		return
	}
	l.logger.Info("operator log entry", "message", body.Message)
	l.writeJSON(w, http.StatusOK, commandResponse{Status: "ok"})
}

func (l *Listener) handleLog(w http.ResponseWriter, r *http.Request) {
	if l.capture == nil {
		l.writeError(w, "log capture unavailable")
		return
	}
	ticket := mux.Vars(r)["ticket"]
	ctx := r.Context()
	if err := l.capture.CaptureNow(ctx, "operator_requested"); err != nil {
		l.logger.Error("log capture failed", "error", err)
		l.writeError(w, "log capture failed")
		return
	}
	if ticket != "" {
		if err := l.capture.AttachToTicket(ctx, ticket); err != nil {
			l.logger.Error("log ticket attach failed", "ticket", ticket, "error", err)
			l.writeError(w, "log attach failed")
			return
		}
	}
	l.writeJSON(w, http.StatusOK, commandResponse{Status: "ok"})
}

func (l *Listener) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l.logger.Error("failed to encode response", "error", err)
	}
}

func (l *Listener) writeError(w http.ResponseWriter, message string) {
	l.writeJSON(w, http.StatusInternalServerError, struct {
		Error string `json:"error"`
	}{Error: message})
}

// requestIDMiddleware assigns a request id via internal/logging's
// convention (reusing one supplied via X-Request-ID), so every handler and
// log line downstream can recover it with logging.RequestIDFromContext/
// logging.FromContext rather than the listener threading its own context
// key alongside the ambient stack's.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logging.FromContext(r.Context(), logger).Debug("request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start),
			)
		})
	}
}
