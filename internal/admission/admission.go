// Package admission implements the C5 Disk Admission check: for every
// component missing locally but with a remote link, sum the advertised
// content lengths plus a safety margin and compare against the staging
// filesystem's free space.
package admission

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
)

// SafetyMarginBytes is the fixed headroom required on top of the summed
// content lengths (spec §4.5).
const SafetyMarginBytes = 100 * 1024 * 1024

// ContentLengthProber probes a download's total size without fetching its
// body; internal/cloud.Client.ProbeContentLength satisfies this.
type ContentLengthProber interface {
	ProbeContentLength(ctx context.Context, url, token string) (int64, error)
}

// Checker performs the admission check, caching recent probe results so a
// retried cycle doesn't re-probe the same link twice in a row.
type Checker struct {
	prober ContentLengthProber
	fs     platform.FileSystem
	cache  *lru.Cache[string, int64]
	shared *redis.Client // optional cross-process cache for a fleet of co-located agents
	logger *slog.Logger
}

// New returns a Checker with an in-process LRU cache of size cacheSize.
// shared may be nil when no Redis deployment is available; only the Lite
// profile equivalent (local-only LRU) is used in that case.
func New(prober ContentLengthProber, fs platform.FileSystem, cacheSize int, shared *redis.Client, logger *slog.Logger) (*Checker, error) {
	cache, err := lru.New[string, int64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("admission: build lru cache: %w", err)
	}
	return &Checker{prober: prober, fs: fs, cache: cache, shared: shared, logger: logger}, nil
}

// Admit reports whether the staging volume has enough free space for every
// component in m that is not yet updated and advertises a remote link. A
// false result means the orchestrator must raise a Fatal download error.
func (c *Checker) Admit(ctx context.Context, m *model.Manifest, stagingDir string) (bool, error) {
	var total int64
	for name, comp := range m.Components {
		if comp.Updated || !comp.HasRemote() {
			continue
		}
		size, err := c.contentLength(ctx, string(name), comp.Link, comp.Token)
		if err != nil {
			return false, fmt.Errorf("admission: probe %s: %w", name, err)
		}
		total += size
	}

	free, err := c.fs.FreeBytes(stagingDir)
	if err != nil {
		return false, fmt.Errorf("admission: free space query: %w", err)
	}

	required := total + SafetyMarginBytes
	ok := uint64(required) <= free
	c.logger.Info("disk admission check",
		"required_bytes", required, "free_bytes", free, "admitted", ok)
	return ok, nil
}

func (c *Checker) contentLength(ctx context.Context, name, link, token string) (int64, error) {
	if size, ok := c.cache.Get(link); ok {
		return size, nil
	}
	if c.shared != nil {
		if cached, err := c.shared.Get(ctx, redisKey(link)).Int64(); err == nil {
			c.cache.Add(link, cached)
			return cached, nil
		}
	}

	size, err := c.prober.ProbeContentLength(ctx, link, token)
	if err != nil {
		return 0, err
	}
	c.cache.Add(link, size)
	if c.shared != nil {
		c.shared.Set(ctx, redisKey(link), size, 0)
	}
	return size, nil
}

func redisKey(link string) string {
	return "ota:admission:content-length:" + link
}
