// Package diagnostics bundles rotated logs into a compressed snapshot and
// uploads it to a support ticket, and implements the panic hook's
// DiagnosticsReporter so a crash automatically files one (spec §6 support
// ticket contract, supplementing the panic-recovery behavior of §5).
package diagnostics

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexlavriv/ota-agent/internal/cloud"
	"github.com/alexlavriv/ota-agent/internal/platform"
)

const (
	// minReportInterval throttles automatic (non-forced) report submission
	// so a crash loop doesn't flood the support queue.
	minReportInterval = 3 * 24 * time.Hour
	standardLogLimit  = 5 * 1024 * 1024
	smallLogLimit     = 100 * 1024
	reportFlagFile    = "jira_report_flag"
	defaultTicket     = "DEV-12719"
)

// Uploader is the subset of the control-plane client diagnostics needs.
type Uploader interface {
	AttachJiraTicket(ctx context.Context, ticket string, filename string, zipData []byte) error
}

// Bundler captures and uploads diagnostic snapshots.
type Bundler struct {
	logsDir   string
	stateDir  string
	fs        platform.FileSystem
	clock     platform.Clock
	uploader  Uploader
	logger    *slog.Logger
	mu        sync.Mutex
	lastBlob  []byte
	lastName  string
}

// New returns a Bundler that tars and gzips logsDir's contents and keeps its
// throttle flag under stateDir.
func New(logsDir, stateDir string, fs platform.FileSystem, uploader Uploader, clock platform.Clock, logger *slog.Logger) *Bundler {
	return &Bundler{
		logsDir:  logsDir,
		stateDir: stateDir,
		fs:       fs,
		clock:    clock,
		uploader: uploader,
		logger:   logger.With("component", "diagnostics"),
	}
}

// CaptureAndUpload implements orchestrator.DiagnosticsReporter: it writes
// the panic's stack to the log directory then attempts a throttled,
// best-effort upload to the default ticket. A failure here is logged, never
// propagated — diagnostics must not crash the crash handler.
func (b *Bundler) CaptureAndUpload(ctx context.Context, reason string, stack []byte) {
	crashFile := filepath.Join(b.logsDir, fmt.Sprintf("panic_%d.log", b.clock.Now().Unix()))
	if err := b.fs.WriteFile(crashFile, stack, 0o644); err != nil {
		b.logger.Error("failed to write panic snapshot", "error", err)
	}

	allowed, err := b.checkAndBumpFlag()
	if err != nil {
		b.logger.Warn("diagnostics flag check failed", "error", err)
		return
	}
	if !allowed {
		b.logger.Info("skipping automatic crash report, reported recently", "reason", reason)
		return
	}

	if err := b.CaptureNow(ctx, reason); err != nil {
		b.logger.Error("failed to build crash snapshot", "error", err)
		return
	}
	if err := b.AttachToTicket(ctx, defaultTicket); err != nil {
		b.logger.Error("failed to upload crash snapshot", "error", err)
	}
}

// CaptureNow builds a snapshot of the log directory and holds it in memory
// for a subsequent AttachToTicket call (listener.LogCapture).
func (b *Bundler) CaptureNow(ctx context.Context, reason string) error {
	blob, err := b.buildSnapshot(false)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.lastBlob = blob
	b.lastName = fmt.Sprintf("%s_%s.tar.gz", b.clock.Now().Format("2006-01-02"), reason)
	b.mu.Unlock()
	return nil
}

// AttachToTicket uploads the most recently captured snapshot to ticket
// (listener.LogCapture). Falls back to building a fresh snapshot if none is
// held yet.
func (b *Bundler) AttachToTicket(ctx context.Context, ticket string) error {
	b.mu.Lock()
	blob, name := b.lastBlob, b.lastName
	b.mu.Unlock()

	if blob == nil {
		if err := b.CaptureNow(ctx, "on_demand"); err != nil {
			return err
		}
		b.mu.Lock()
		blob, name = b.lastBlob, b.lastName
		b.mu.Unlock()
	}

	if err := b.uploader.AttachJiraTicket(ctx, ticket, name, blob); err != nil {
		return fmt.Errorf("diagnostics: upload snapshot to %s: %w", ticket, err)
	}
	b.logger.Info("uploaded diagnostic snapshot", "ticket", ticket, "bytes", len(blob))
	return nil
}

// buildSnapshot tars and gzips every file directly under logsDir, each
// truncated to limit bytes so one oversized log can't blow the upload past
// the support endpoint's size ceiling.
func (b *Bundler) buildSnapshot(small bool) ([]byte, error) {
	limit := standardLogLimit
	if small {
		limit = smallLogLimit
	}

	entries, err := b.fs.ReadDir(b.logsDir)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: list log directory: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(b.logsDir, entry.Name())
		data, err := b.fs.ReadFile(path)
		if err != nil {
			b.logger.Warn("skipping unreadable log file", "path", path, "error", err)
			continue
		}
		if len(data) > limit {
			data = data[len(data)-limit:]
		}
		if err := tw.WriteHeader(&tar.Header{
			Name: entry.Name(),
			Mode: 0o644,
			Size: int64(len(data)),
		}); err != nil {
			return nil, fmt.Errorf("diagnostics: write tar header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("diagnostics: write tar entry: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("diagnostics: close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("diagnostics: close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// checkAndBumpFlag mirrors the three-day throttle: the first call (or one
// after the interval elapses) records the current time in the flag file and
// allows the report. The timestamp lives in the file's content rather than
// its mtime so the check works identically against a real filesystem and
// platform.MemFileSystem in tests.
func (b *Bundler) checkAndBumpFlag() (bool, error) {
	flagPath := filepath.Join(b.stateDir, reportFlagFile)
	now := b.clock.Now()

	if raw, err := b.fs.ReadFile(flagPath); err == nil {
		if last, parseErr := time.Parse(time.RFC3339, string(raw)); parseErr == nil {
			if now.Sub(last) <= minReportInterval {
				return false, nil
			}
		}
	}

	if err := b.fs.WriteFile(flagPath, []byte(now.Format(time.RFC3339)), 0o644); err != nil {
		return false, fmt.Errorf("diagnostics: bump report flag: %w", err)
	}
	return true, nil
}

var _ Uploader = (*cloud.Client)(nil)
