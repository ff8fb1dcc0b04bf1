// Package download implements the C3 Download Engine: concurrent resumable
// HTTP downloads into the staging directory, with per-file and aggregate
// progress tracking, ETA estimation, and checksum verification.
package download

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexlavriv/ota-agent/internal/config"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/alexlavriv/ota-agent/internal/telemetry"
)

// ErrChecksumMismatch is returned when a completed download's SHA-1 does
// not match the component's expected checksum. It is not retried (spec
// §4.3: retries are for transport, not content).
var ErrChecksumMismatch = errors.New("download: checksum mismatch")

// ErrDuplicateTarget is the Fatal condition for two components landing on
// the same staging file path.
var ErrDuplicateTarget = errors.New("download: duplicate target path")

// Engine runs the C3 download pipeline.
type Engine struct {
	doer    platform.HTTPDoer
	fs      platform.FileSystem
	clock   platform.Clock
	cfg     config.DownloadConfig
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New builds a download Engine.
func New(doer platform.HTTPDoer, fs platform.FileSystem, clock platform.Clock, cfg config.DownloadConfig, metrics *telemetry.Metrics, logger *slog.Logger) *Engine {
	return &Engine{doer: doer, fs: fs, clock: clock, cfg: cfg, metrics: metrics, logger: logger.With("component", "download_engine")}
}

// progressEntry tracks one file's downloaded/total byte counts.
type progressEntry struct {
	downloaded int64
	total      int64
}

// Progress is the shared, reporter-owned progress map; downloader
// goroutines hold the lock only to update their own entry (spec §5: no
// long-held locks across I/O).
type Progress struct {
	mu      sync.Mutex
	entries map[string]*progressEntry
	active  int
}

func newProgress() *Progress {
	return &Progress{entries: make(map[string]*progressEntry)}
}

func (p *Progress) set(path string, downloaded, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[path] = &progressEntry{downloaded: downloaded, total: total}
}

func (p *Progress) startFile(path string, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[path] = &progressEntry{total: total}
	p.active++
}

func (p *Progress) finishFile(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, path)
	p.active--
}

// aggregate returns the summed downloaded/total across in-flight files.
func (p *Progress) aggregate() (downloaded, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		downloaded += e.downloaded
		total += e.total
	}
	return downloaded, total
}

// job is one component's download task.
type job struct {
	name     model.Name
	link     string
	token    string
	checksum string
	dest     string
}

// RunResult is what FetchAll returns on success: the set of staging paths
// each component landed at.
type RunResult struct {
	Paths map[model.Name]string
}

// FetchAll downloads every component in m that is not yet updated and
// advertises a remote link (HasRemote()) into stagingDir, reporting ETA to
// etaReporter every 5 seconds, and returns the manifest's desired paths on
// success (spec §4.3 steps 5-7). Components are only routed to
// ShouldInstall/ShouldUninstall once the install engine runs, after Path has
// been attached by manifestsvc.SetPaths.
func (e *Engine) FetchAll(ctx context.Context, m *model.Manifest, stagingDir string, etaReporter func(ctx context.Context, eta string)) (RunResult, error) {
	jobs, err := e.buildJobs(m, stagingDir)
	if err != nil {
		return RunResult{}, err
	}
	if len(jobs) == 0 {
		return RunResult{Paths: map[model.Name]string{}}, nil
	}

	progress := newProgress()
	var wg sync.WaitGroup
	errs := make(chan error, len(jobs))
	results := make(chan struct {
		name model.Name
		path string
	}, len(jobs))

	reporterCtx, cancelReporter := context.WithCancel(ctx)
	defer cancelReporter()
	go e.runETAReporter(reporterCtx, progress, etaReporter)

	for _, j := range jobs {
		wg.Add(1)
		if e.metrics != nil {
			e.metrics.ActiveDownloads.Inc()
		}
		go func(j job) {
			defer wg.Done()
			if e.metrics != nil {
				defer e.metrics.ActiveDownloads.Dec()
			}
			if err := e.downloadOne(ctx, j, progress); err != nil {
				errs <- fmt.Errorf("download %s: %w", j.name, err)
				return
			}
			results <- struct {
				name model.Name
				path string
			}{j.name, j.dest}
		}(j)
	}
	wg.Wait()
	close(errs)
	close(results)

	if err, ok := <-errs; ok {
		return RunResult{}, err
	}

	paths := make(map[model.Name]string, len(jobs))
	for r := range results {
		paths[r.name] = r.path
	}
	return RunResult{Paths: paths}, nil
}

func (e *Engine) buildJobs(m *model.Manifest, stagingDir string) ([]job, error) {
	seenTargets := make(map[string]model.Name)
	var jobs []job
	for name, c := range m.Components {
		if c.Updated || !c.HasRemote() {
			continue
		}
		dest := c.Path
		if dest == "" {
			dest = filepath.Join(stagingDir, string(name))
		}
		if prior, ok := seenTargets[dest]; ok {
			return nil, fmt.Errorf("%w: %s and %s", ErrDuplicateTarget, prior, name)
		}
		seenTargets[dest] = name
		jobs = append(jobs, job{name: name, link: c.Link, token: c.Token, checksum: c.Checksum, dest: dest})
	}
	return jobs, nil
}

func (e *Engine) runETAReporter(ctx context.Context, progress *Progress, report func(context.Context, string)) {
	if report == nil {
		return
	}
	start := e.clock.Now()
	lastDownloaded := int64(0)
	lastTime := start
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			downloaded, total := progress.aggregate()
			now := e.clock.Now()

			windowSpeed := speedBetween(lastDownloaded, downloaded, now.Sub(lastTime))
			avgSpeed := speedBetween(0, downloaded, now.Sub(start))
			speed := windowSpeed
			if avgSpeed > speed {
				speed = avgSpeed
			}

			report(ctx, etaString(downloaded, total, speed))
			if e.metrics != nil {
				e.metrics.DownloadSpeed.Set(speed)
			}
			lastDownloaded, lastTime = downloaded, now
		}
	}
}

func speedBetween(prev, cur int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	delta := cur - prev
	if delta < 0 {
		return 0
	}
	return float64(delta) / elapsed.Seconds()
}

func etaString(downloaded, total int64, speed float64) string {
	if speed <= 0 || total <= downloaded {
		return "Unknown"
	}
	remaining := float64(total-downloaded) / speed
	return time.Duration(remaining * float64(time.Second)).String()
}

const (
	maxRetryAttemptsDefault = 5
	retryBackoffDefault     = 5 * time.Second
)

// downloadOne runs the per-file download protocol: byte-range resume when
// possible, transport retry, then checksum verification (spec §4.3).
func (e *Engine) downloadOne(ctx context.Context, j job, progress *Progress) error {
	attempts := e.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = maxRetryAttemptsDefault
	}
	backoff := e.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = retryBackoffDefault
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.DownloadRetries.WithLabelValues(string(j.name)).Inc()
			}
			e.clock.Sleep(backoff)
		}

		err := e.attemptDownload(ctx, j, progress)
		if err == nil {
			return e.verifyChecksum(j)
		}
		if errors.Is(err, ErrChecksumMismatch) {
			return err
		}
		lastErr = err
		e.logger.Warn("download attempt failed", "component", j.name, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("download: exhausted retries for %s: %w", j.name, lastErr)
}

func (e *Engine) attemptDownload(ctx context.Context, j job, progress *Progress) error {
	var offset int64
	if info, err := e.fs.Stat(j.dest); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.link, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if j.token != "" {
		req.Header.Set("Authorization", "Bearer "+j.token)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.doer.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
		// The partial is as large as (or larger than) the remote file:
		// discard it so the next attempt restarts from zero.
		e.fs.Remove(j.dest)
		return fmt.Errorf("partial file not resumable: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http get: unexpected status %s", resp.Status)
	}

	total := resp.ContentLength + offset
	resuming := offset > 0 && resp.StatusCode == http.StatusPartialContent
	if offset > 0 && !resuming {
		// Server doesn't support resume, or the partial is stale/oversized;
		// restart from zero.
		offset = 0
		total = resp.ContentLength
	}
	progress.startFile(j.dest, total)
	defer progress.finishFile(j.dest)

	var f *os.File
	if resuming {
		f, err = e.fs.OpenAppend(j.dest)
	} else {
		f, err = e.fs.Create(j.dest)
	}
	if err != nil {
		return fmt.Errorf("open dest: %w", err)
	}
	defer f.Close()

	written := offset
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write chunk: %w", writeErr)
			}
			written += int64(n)
			progress.set(j.dest, written, total)
			if e.metrics != nil {
				e.metrics.DownloadBytes.WithLabelValues(string(j.name)).Add(float64(n))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read chunk: %w", readErr)
		}
	}
	return nil
}

func (e *Engine) verifyChecksum(j job) error {
	if j.checksum == "" {
		return nil
	}
	f, err := e.fs.Open(j.dest)
	if err != nil {
		return fmt.Errorf("open for checksum: %w", err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != j.checksum {
		e.fs.Remove(j.dest)
		return ErrChecksumMismatch
	}
	return nil
}
