package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/alexlavriv/ota-agent/internal/admission"
	"github.com/alexlavriv/ota-agent/internal/cloud"
	"github.com/alexlavriv/ota-agent/internal/config"
	"github.com/alexlavriv/ota-agent/internal/diagnostics"
	"github.com/alexlavriv/ota-agent/internal/download"
	"github.com/alexlavriv/ota-agent/internal/history"
	"github.com/alexlavriv/ota-agent/internal/install"
	"github.com/alexlavriv/ota-agent/internal/install/archive"
	"github.com/alexlavriv/ota-agent/internal/install/deb"
	"github.com/alexlavriv/ota-agent/internal/install/msi"
	"github.com/alexlavriv/ota-agent/internal/install/syspkg"
	"github.com/alexlavriv/ota-agent/internal/listener"
	"github.com/alexlavriv/ota-agent/internal/manifestsvc"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/orchestrator"
	"github.com/alexlavriv/ota-agent/internal/peer"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/alexlavriv/ota-agent/internal/telemetry"
)

// agent bundles every long-lived collaborator built by buildAgent, plus
// the handles run needs to drive and tear them down.
type agent struct {
	Orchestrator *orchestrator.Orchestrator
	Listener     *listener.Listener
	Registry     *prometheus.Registry

	ledger *history.Ledger
	mirror io.Closer
}

// Close releases every resource buildAgent opened.
func (a *agent) Close() error {
	var firstErr error
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			firstErr = err
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// statusReporterAdapter adapts cloud.Client.ReportStatus to
// msi.StatusReporter, which only needs a transient human-readable message
// (spec §5 "Waiting for another installation to complete").
type statusReporterAdapter struct {
	client *cloud.Client
}

func (a statusReporterAdapter) Report(ctx context.Context, message string) {
	if a.client == nil {
		return
	}
	_ = a.client.ReportStatus(ctx, cloud.OTAStatusReport{Status: string(model.StatusInstalling), Message: message})
}

// authFileToken best-effort reads the bearer token out of the persisted
// auth file so the cloud client can be constructed with it up front;
// internal/orchestrator.FileIdentityProvider re-reads the same file every
// cycle and is the authoritative source of truth, this is only a
// convenience default for the client's fixed Authorization header. A
// missing or unreadable file yields an empty token, which every cloud
// endpoint will reject until the node is paired.
func authFileToken(fs platform.FileSystem, path string) string {
	if !fs.Exists(path) {
		return ""
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return ""
	}
	var raw struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ""
	}
	return raw.Token
}

// buildAgent wires every C1-C5 collaborator plus their supporting
// infrastructure (history ledger, diagnostics, telemetry, peer, listener)
// from configuration, following the capability-injection pattern in
// internal/platform: production gets the Default* implementations, the
// same interfaces tests substitute fakes for.
func buildAgent(cfg *config.Config, logger *slog.Logger, agentVersion string) (*agent, error) {
	fs := platform.DefaultFileSystem{}
	clock := platform.DefaultClock{}
	runner := platform.DefaultCommandRunner{}
	procs := install.GopsutilProcessManager{}

	if err := fs.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	paths := orchestrator.NewPaths(cfg.BaseDir)
	authPath := filepath.Join(cfg.BaseDir, cfg.Cloud.AuthFilePath)

	identity := orchestrator.NewFileIdentityProvider(fs, authPath)
	cloudClient := cloud.New(cfg.Cloud, authFileToken(fs, authPath), logger)
	manifestSvc := manifestsvc.New(fs)

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	var shared *redis.Client
	if cfg.Admission.RedisAddr != "" {
		shared = redis.NewClient(&redis.Options{Addr: cfg.Admission.RedisAddr})
	}
	admissionChecker, err := admission.New(cloudClient, fs, cfg.Admission.CacheSize, shared, logger)
	if err != nil {
		return nil, fmt.Errorf("build admission checker: %w", err)
	}

	downloadEngine := download.New(&http.Client{Timeout: cfg.Cloud.RequestTimeout}, fs, clock, cfg.Download, metrics, logger)

	pb := newPlatformBindings(cfg.Install, fs)
	mutex := install.NewFileMutex(cfg.Install.MutexPath)
	inspector := msi.NewCommandInspector(runner)
	msiInstaller := msi.New(runner, pb.registry, inspector, mutex, statusReporterAdapter{client: cloudClient}, logger)
	syspkgInstaller := syspkg.New(pb.syspkgDoer, pb.syspkgBaseURL, logger)
	debInstaller := deb.New(runner, logger)

	logsDir := cfg.BaseDir
	if cfg.Log.Filename != "" {
		logsDir = filepath.Dir(cfg.Log.Filename)
	}
	bundler := diagnostics.New(logsDir, cfg.BaseDir, fs, cloudClient, clock, logger)

	// archive.New takes the install engine itself as its ProcessKiller, so
	// the engine is built once with a nil archive killer and then rebuilt
	// with the real one wired back in — the two constructions are cheap
	// (they hold no open resources) and every other collaborator is
	// shared between them.
	selfUpdater := newSelfUpdater(pb, syspkgInstaller, agentVersion, fs, cfg.Install)
	installers := func(archiveKiller archive.ProcessKiller) map[model.PackageType]install.PackageInstaller {
		return map[model.PackageType]install.PackageInstaller{
			model.PackageWindowsInstaller: msiInstaller,
			model.PackageSystemPackage:    syspkgInstaller,
			model.PackageDebian:           debInstaller,
			model.PackageArchive:          archive.New(fs, archiveKiller, cfg.Install.SystemRoot, logger),
		}
	}
	installEngine := install.New(installers(nil), procs, fs, cloudClient, selfUpdater, metrics, cfg.Install.ProcessKillTimeout, logger)
	installEngine = install.New(installers(installEngine), procs, fs, cloudClient, selfUpdater, metrics, cfg.Install.ProcessKillTimeout, logger)
	installEngine.WithSnapshotStaleness(cfg.Install.SnapshotStaleness, clock, orchestrator.AlwaysTrusted{})

	var mirror history.Mirror
	var mirrorCloser io.Closer
	if cfg.History.Backend == "postgres" && cfg.History.PostgresDSN != "" {
		pm, err := history.NewPostgresMirror(context.Background(), cfg.History.PostgresDSN)
		if err != nil {
			logger.Warn("history: postgres mirror unavailable, continuing with sqlite only", "error", err)
		} else {
			mirror = pm
			mirrorCloser = closerFunc(func() error { pm.Close(); return nil })
		}
	}
	ledger, err := history.Open(cfg.History.SQLitePath, mirror, logger)
	if err != nil {
		return nil, fmt.Errorf("open history ledger: %w", err)
	}

	peerClient := peer.New(fmt.Sprintf("http://127.0.0.1:%d", cfg.Peer.Port), cfg.Peer.Timeout, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Paths:            paths,
		CompiledVersion:  agentVersion,
		Arch:             runtime.GOARCH,
		Identity:         identity,
		Cloud:            cloudClient,
		Manifest:         manifestSvc,
		Admission:        admissionChecker,
		Download:         downloadEngine,
		Install:          installEngine,
		Peer:             peerClient,
		FS:               fs,
		Clock:            clock,
		Diagnostics:      bundler,
		Metrics:          metrics,
		History:          ledger,
		Logger:           logger,
		Interval:         time.Duration(cfg.OTAIntervalSeconds) * time.Second,
		ControlPlaneURL:  cfg.Cloud.URL,
		PreflightTimeout: cfg.Cloud.PreflightTimeout,
	})

	l := listener.New(fmt.Sprintf(":%d", cfg.Listener.Port), orch.Commands(), orch.Status(), bundler, logger)

	return &agent{Orchestrator: orch, Listener: l, Registry: reg, ledger: ledger, mirror: mirrorCloser}, nil
}
