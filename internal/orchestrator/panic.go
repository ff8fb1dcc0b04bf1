package orchestrator

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

// DiagnosticsReporter is the best-effort panic-time hook: capture and
// upload a diagnostic snapshot. internal/diagnostics.Bundler satisfies
// this; it is never required to succeed (spec §4.1 "Failure semantics").
type DiagnosticsReporter interface {
	CaptureAndUpload(ctx context.Context, reason string, stack []byte)
}

// noopDiagnostics is used when no reporter is wired.
type noopDiagnostics struct{}

func (noopDiagnostics) CaptureAndUpload(context.Context, string, []byte) {}

// PanicHook recovers a panic anywhere in the pipeline, logs it with its
// backtrace, triggers a best-effort diagnostic snapshot upload, and refuses
// to recurse if the panic handler itself panics while shared state is
// already poisoned (spec §4.1: "does not restart the loop", "detects
// re-entrant panics ... and refuses to recurse").
type PanicHook struct {
	logger      *slog.Logger
	diagnostics DiagnosticsReporter
	handling    atomic.Bool
}

// NewPanicHook returns a hook. diagnostics may be nil, in which case
// snapshot upload is skipped.
func NewPanicHook(logger *slog.Logger, diagnostics DiagnosticsReporter) *PanicHook {
	if diagnostics == nil {
		diagnostics = noopDiagnostics{}
	}
	return &PanicHook{logger: logger.With("component", "panic_hook"), diagnostics: diagnostics}
}

// Recover must be called via `defer h.Recover(ctx)` at the top of Run's
// per-cycle invocation. It swallows the panic (the loop does not restart;
// a supervisor process is responsible for respawn) after logging and
// attempting the diagnostic upload.
func (h *PanicHook) Recover(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	if !h.handling.CompareAndSwap(false, true) {
		// Already inside a panic handler: shared state (the status store,
		// the manifest, the hash table) may be poisoned by the first
		// panic's partial unwind. Re-entering the same recovery logic
		// against poisoned state risks a second, worse panic taking down
		// the process without ever logging the first one. Log minimally
		// and stop.
		h.logger.Error("re-entrant panic during panic recovery, not recursing", "panic", r)
		return
	}
	defer h.handling.Store(false)

	stack := debug.Stack()
	h.logger.Error("panic recovered in reconciliation pipeline", "panic", r, "stack", string(stack))
	h.diagnostics.CaptureAndUpload(ctx, "panic", stack)
}
