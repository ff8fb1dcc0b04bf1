package install

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexlavriv/ota-agent/internal/cloud"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/alexlavriv/ota-agent/internal/telemetry"
)

// PackageInstaller is implemented by every per-format handler
// (install/deb, install/archive, install/msi, install/syspkg).
type PackageInstaller interface {
	Install(ctx context.Context, c model.Component, stagingPath string) error
	Uninstall(ctx context.Context, c model.Component) error
}

// SelfUpdater performs the OS-specific hand-off for the agent's own
// replacement (spec §4.4 "Self-update (agent) procedure"): a scheduled-task
// relaunch script on Windows, a direct in-process system-package install on
// Linux. Production wires WindowsSelfUpdater/LinuxSelfUpdater; tests
// substitute a fake.
type SelfUpdater interface {
	Handoff(ctx context.Context, stagingPath string) error
}

// ClockTrust mirrors orchestrator.ClockTrust (SPEC_FULL.md §4 NTP-drift
// supplement) without importing the orchestrator package: a previous-install
// snapshot's staleness TTL is only applied when the host clock is trusted.
// Production passes orchestrator.AlwaysTrusted{} here
// (cmd/agent/cmd/wiring.go); the orchestrator itself does not consult it.
type ClockTrust interface {
	Trusted() bool
}

// alwaysTrusted is the default used when the caller leaves ClockTrust nil
// (e.g. most tests, or a deployment with the staleness check disabled).
type alwaysTrusted struct{}

func (alwaysTrusted) Trusted() bool { return true }

// Engine is the C4 Install Engine: dispatches each pending component to its
// package-type handler in the spec's ordering, kills listed processes
// first, snapshots successful installs, and rolls back the batch on any
// single failure.
type Engine struct {
	installers  map[model.PackageType]PackageInstaller
	procs       platform.ProcessManager
	fs          platform.FileSystem
	clock       platform.Clock
	clockTrust  ClockTrust
	snapshotTTL time.Duration
	cloud       *cloud.Client
	selfUpdater SelfUpdater
	metrics     *telemetry.Metrics
	killTimeout time.Duration
	logger      *slog.Logger
}

// New returns an install Engine. cloud may be nil in tests that don't
// exercise the self-update path.
func New(installers map[model.PackageType]PackageInstaller, procs platform.ProcessManager, fs platform.FileSystem, cloudClient *cloud.Client, selfUpdater SelfUpdater, metrics *telemetry.Metrics, killTimeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		installers:  installers,
		procs:       procs,
		fs:          fs,
		clock:       platform.DefaultClock{},
		clockTrust:  alwaysTrusted{},
		cloud:       cloudClient,
		selfUpdater: selfUpdater,
		metrics:     metrics,
		killTimeout: killTimeout,
		logger:      logger.With("component", "install_engine"),
	}
}

// WithSnapshotStaleness configures the previous-install snapshot staleness
// TTL (original_source/file_creation_date_util.rs, supplemented into spec
// §4.4 rollback per SPEC_FULL.md §4): a snapshot older than ttl is treated as
// absent during rollback/uninstall, but only when clock is trusted (an NTP
// loop reports the wall clock as drift-free) — without a trustworthy clock,
// mtime comparisons are meaningless and the check is skipped entirely.
func (e *Engine) WithSnapshotStaleness(ttl time.Duration, clock platform.Clock, clockTrust ClockTrust) *Engine {
	e.snapshotTTL = ttl
	if clock != nil {
		e.clock = clock
	}
	if clockTrust != nil {
		e.clockTrust = clockTrust
	}
	return e
}

// resolveSnapshot returns the previous-install artifact file for dir, unless
// it is stale and the clock is currently trusted, in which case it is
// treated as if no snapshot existed.
func (e *Engine) resolveSnapshot(dir string) (string, bool) {
	artifact, exists := SnapshotFile(e.fs, dir)
	if !exists {
		return "", false
	}
	if e.clockTrust.Trusted() && IsSnapshotStale(e.fs, artifact, e.snapshotTTL, e.clock.Now()) {
		e.logger.Warn("install: previous-install snapshot is stale, treating as absent", "artifact", artifact)
		return "", false
	}
	return artifact, true
}

// RunResult summarizes one RunBatch call.
type RunResult struct {
	Manifest    *model.Manifest
	SelfUpdated bool
}

// RunBatch installs/uninstalls every pending component in m, agent first,
// archive-format components last (spec §4.4 ordering rule). On any single
// failure it rolls back the components this batch already flipped and
// returns the underlying error; the caller (orchestrator) classifies it as
// NonFatal unless rollback itself failed.
func (e *Engine) RunBatch(ctx context.Context, m *model.Manifest, versionMarkerPath string) (RunResult, error) {
	working := m.Clone()

	var pending []model.Name
	for name, c := range working.Components {
		if c.ShouldInstall() || c.ShouldUninstall() {
			pending = append(pending, name)
		}
	}
	ordered := OrderComponents(working, pending)

	var succeeded []model.Name
	preBatch := make(map[model.Name]model.Component, len(ordered))
	selfUpdated := false

	for _, name := range ordered {
		c := working.Get(name)
		preBatch[name] = c

		if name == model.PhantomAgent {
			if err := e.selfUpdateAgent(ctx, working, c, versionMarkerPath); err != nil {
				e.recordOutcome(name, actionFor(c), "failure")
				rollbackErr := e.rollback(ctx, working, succeeded, preBatch)
				if rollbackErr != nil {
					return RunResult{}, fmt.Errorf("install: self-update failed (%v) and rollback failed: %w", err, rollbackErr)
				}
				return RunResult{}, fmt.Errorf("install: self-update failed: %w", err)
			}
			selfUpdated = true
			succeeded = append(succeeded, name)
			e.recordOutcome(name, actionFor(c), "success")
			// Production builds never reach here: the hand-off replaces or
			// kills this process. Tests continue so the rest of the batch
			// (and its assertions) can still run against a fake updater.
			continue
		}

		if err := e.installComponent(ctx, working, name, c); err != nil {
			e.logger.Error("install: component failed, rolling back batch", "component", name, "error", err)
			e.recordOutcome(name, actionFor(c), "failure")
			rollbackErr := e.rollback(ctx, working, succeeded, preBatch)
			if rollbackErr != nil {
				return RunResult{}, fmt.Errorf("install: %s failed (%v) and rollback failed: %w", name, err, rollbackErr)
			}
			return RunResult{}, fmt.Errorf("install: %s: %w", name, err)
		}
		succeeded = append(succeeded, name)
		e.recordOutcome(name, actionFor(c), "success")
	}

	for _, name := range succeeded {
		c := working.Get(name)
		if name == model.PhantomAgent {
			continue
		}
		artifact := c.Path
		if c.ShouldUninstall() {
			artifact = ""
		}
		if err := PromoteSnapshot(e.fs, preBatch[name].PreviousInstallPath, artifact); err != nil {
			e.logger.Warn("install: snapshot promotion failed", "component", name, "error", err)
		}
	}

	return RunResult{Manifest: working, SelfUpdated: selfUpdated}, nil
}

func actionFor(c model.Component) string {
	if c.ShouldUninstall() {
		return "uninstall"
	}
	return "install"
}

func (e *Engine) recordOutcome(name model.Name, action, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.InstallOutcomes.WithLabelValues(string(name), action, outcome).Inc()
}

// installComponent implements the per-component install procedure (spec
// §4.4 steps 1-5).
func (e *Engine) installComponent(ctx context.Context, m *model.Manifest, name model.Name, c model.Component) error {
	if !c.ShouldInstall() && !c.ShouldUninstall() {
		e.logger.Debug("install: no update required", "component", name)
		return nil
	}

	if err := e.killProcesses(ctx, c.Processes); err != nil {
		e.logger.Warn("install: process kill pass failed, continuing", "component", name, "error", err)
	}

	installer, ok := e.installers[c.PackageType]
	if !ok {
		return fmt.Errorf("no installer registered for package type %q", c.PackageType)
	}

	if c.ShouldUninstall() {
		if artifact, exists := e.resolveSnapshot(c.PreviousInstallPath); exists {
			c.Path = artifact
		}
		if err := installer.Uninstall(ctx, c); err != nil {
			return err
		}
		c.Updated = true
		c.Checksum = ""
		c.Link = ""
		c.Token = ""
		c.Path = ""
		m.Set(name, c)
		return nil
	}

	if err := installer.Install(ctx, c, c.Path); err != nil {
		return err
	}
	c.Updated = true
	m.Set(name, c)

	if c.IsArchive() {
		if err := e.killProcesses(ctx, c.Processes); err != nil {
			e.logger.Warn("install: post-install process kill failed", "component", name, "error", err)
		}
	}
	return nil
}

func (e *Engine) killProcesses(ctx context.Context, names []string) error {
	if e.procs == nil {
		return nil
	}
	killCtx := ctx
	var cancel context.CancelFunc
	if e.killTimeout > 0 {
		killCtx, cancel = context.WithTimeout(ctx, e.killTimeout)
		defer cancel()
	}
	var firstErr error
	for _, name := range names {
		pids, err := e.procs.FindByName(killCtx, name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, pid := range pids {
			if err := e.procs.Kill(killCtx, pid); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// KillProcesses satisfies install/archive.ProcessKiller, letting the
// archive installer re-run the kill pass between its own retry attempts.
func (e *Engine) KillProcesses(ctx context.Context, names []string) error {
	return e.killProcesses(ctx, names)
}

// selfUpdateAgent implements spec §4.4's self-update procedure: push a
// guard "Failed" status, write the version marker ahead of the hand-off,
// optimistically persist the new checksum, then hand off to the
// platform-specific updater.
func (e *Engine) selfUpdateAgent(ctx context.Context, m *model.Manifest, c model.Component, versionMarkerPath string) error {
	if e.cloud != nil {
		if err := e.cloud.ReportStatus(ctx, cloud.OTAStatusReport{Status: "Failed"}); err != nil {
			e.logger.Warn("install: self-update guard status push failed", "error", err)
		}
	}

	if versionMarkerPath != "" {
		if err := e.fs.WriteFileAtomic(versionMarkerPath, []byte(c.Version), 0o644); err != nil {
			return fmt.Errorf("write version marker: %w", err)
		}
	}

	optimistic := c
	optimistic.Updated = true
	m.Set(model.PhantomAgent, optimistic)

	if e.selfUpdater == nil {
		return fmt.Errorf("no self-updater configured")
	}
	if err := e.selfUpdater.Handoff(ctx, c.Path); err != nil {
		reverted := optimistic
		reverted.Checksum = ""
		reverted.Updated = false
		m.Set(model.PhantomAgent, reverted)
		return fmt.Errorf("self-update hand-off: %w", err)
	}
	return nil
}

// rollback implements spec §4.4's rollback procedure: for every component
// this batch successfully flipped, reinstall its previous snapshot (or
// uninstall if none exists), then unconditionally restore every
// archive-format component from its snapshot (archives are stateless file
// drops, so re-extracting is cheap and deterministic regardless of what
// else failed).
func (e *Engine) rollback(ctx context.Context, m *model.Manifest, succeeded []model.Name, preBatch map[model.Name]model.Component) error {
	for i := len(succeeded) - 1; i >= 0; i-- {
		name := succeeded[i]
		if name == model.PhantomAgent {
			continue
		}
		pre := preBatch[name]
		installer, ok := e.installers[pre.PackageType]
		if !ok {
			return fmt.Errorf("rollback: no installer registered for %q", pre.PackageType)
		}

		artifact, exists := e.resolveSnapshot(pre.PreviousInstallPath)
		if exists {
			if pre.PackageType == model.PackageWindowsInstaller {
				if err := installer.Uninstall(ctx, m.Get(name)); err != nil {
					e.logger.Warn("rollback: uninstall of new MSI before restore failed, continuing", "component", name, "error", err)
				}
			}
			restored := pre
			restored.Path = artifact
			if err := installer.Install(ctx, restored, artifact); err != nil {
				return fmt.Errorf("rollback: reinstall previous %s: %w", name, err)
			}
			restored.Updated = true
			m.Set(name, restored)
			continue
		}

		if err := installer.Uninstall(ctx, m.Get(name)); err != nil {
			return fmt.Errorf("rollback: uninstall partial %s: %w", name, err)
		}
		cleared := pre
		cleared.Updated = true
		cleared.Checksum = ""
		cleared.Path = ""
		m.Set(name, cleared)
	}

	archiveInstaller, hasArchive := e.installers[model.PackageArchive]
	if hasArchive {
		for name, c := range m.Components {
			if !c.IsArchive() {
				continue
			}
			artifact, exists := SnapshotFile(e.fs, c.PreviousInstallPath)
			if !exists {
				continue
			}
			if err := archiveInstaller.Install(ctx, c, artifact); err != nil {
				e.logger.Warn("rollback: unconditional archive restore failed", "component", name, "error", err)
			}
		}
	}
	return nil
}
