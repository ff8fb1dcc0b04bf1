// Package orchestrator implements the C1 OTA Orchestrator: the process-
// lifetime reconciliation loop, the command sink, and the on-disk markers
// (version, incomplete-install, update-both) that survive a restart.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alexlavriv/ota-agent/internal/admission"
	"github.com/alexlavriv/ota-agent/internal/cloud"
	"github.com/alexlavriv/ota-agent/internal/download"
	"github.com/alexlavriv/ota-agent/internal/history"
	"github.com/alexlavriv/ota-agent/internal/install"
	"github.com/alexlavriv/ota-agent/internal/manifestsvc"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/alexlavriv/ota-agent/internal/telemetry"
	"github.com/alexlavriv/ota-agent/pkg/semver"
)

// CycleRecorder persists one completed RunOnce invocation to the audit
// ledger (internal/history). Left nil, RunOnce simply skips recording.
type CycleRecorder interface {
	RecordCycle(ctx context.Context, r history.CycleRecord) error
}

// Paths bundles the persisted-state file locations the orchestrator reads
// and writes every cycle (spec §6 "Persisted state layout").
type Paths struct {
	BaseDir      string
	HashFile     string
	VersionsFile string
	PreviousRoot string
	StagingDir   string
}

// NewPaths derives the standard layout from a base directory.
func NewPaths(baseDir string) Paths {
	return Paths{
		BaseDir:      baseDir,
		HashFile:     filepath.Join(baseDir, "hash_manifest"),
		VersionsFile: filepath.Join(baseDir, "versions"),
		PreviousRoot: filepath.Join(baseDir, "previous"),
		StagingDir:   filepath.Join(baseDir, "download"),
	}
}

func (p Paths) versionMarker() string    { return filepath.Join(p.BaseDir, VersionMarkerFile) }
func (p Paths) incompleteMarker() string { return filepath.Join(p.BaseDir, IncompleteMarkerFile) }
func (p Paths) updateBothMarker() string { return filepath.Join(p.BaseDir, UpdateBothMarkerFile) }
func (p Paths) authFile() string         { return filepath.Join(p.BaseDir, "auth") }

// Orchestrator drives the reconciliation loop described in spec §4.1.
type Orchestrator struct {
	paths           Paths
	compiledVersion string
	arch            string

	identity  IdentityProvider
	cloud     *cloud.Client
	manifest  *manifestsvc.Service
	admission *admission.Checker
	download  *download.Engine
	install   *install.Engine
	peer      LocalPeer

	fs     platform.FileSystem
	clock  platform.Clock
	status *StatusStore
	cmds   *CommandSink
	hook   *PanicHook

	metrics *telemetry.Metrics
	history CycleRecorder
	logger  *slog.Logger

	interval time.Duration

	controlPlaneURL  string
	preflightTimeout time.Duration
}

// Deps bundles every collaborator Orchestrator needs. New does not nil-check
// them; only Status, Commands and Interval get defaults.
type Deps struct {
	Paths           Paths
	CompiledVersion string
	Arch            string
	Identity        IdentityProvider
	Cloud           *cloud.Client
	Manifest        *manifestsvc.Service
	Admission       *admission.Checker
	Download        *download.Engine
	Install         *install.Engine
	Peer            LocalPeer
	FS              platform.FileSystem
	Clock           platform.Clock
	Status          *StatusStore
	Commands        *CommandSink
	Diagnostics     DiagnosticsReporter
	Metrics         *telemetry.Metrics
	// History records every completed cycle to the audit ledger
	// (internal/history.Ledger satisfies this); left nil, cycles are not
	// recorded.
	History  CycleRecorder
	Logger   *slog.Logger
	Interval time.Duration

	// ControlPlaneURL and PreflightTimeout drive the ARP/route-reachability
	// pre-check (SPEC_FULL.md §4) run before every identity acquisition. A
	// zero PreflightTimeout disables the check.
	ControlPlaneURL  string
	PreflightTimeout time.Duration
}

// New builds an Orchestrator from Deps, defaulting Status/Commands when the
// caller leaves them nil and Interval when it is not positive.
func New(d Deps) *Orchestrator {
	if d.Status == nil {
		d.Status = NewStatusStore()
	}
	if d.Commands == nil {
		d.Commands = NewCommandSink(8)
	}
	if d.Interval <= 0 {
		d.Interval = 60 * time.Second
	}
	return &Orchestrator{
		paths:           d.Paths,
		compiledVersion: d.CompiledVersion,
		arch:            d.Arch,
		identity:        d.Identity,
		cloud:           d.Cloud,
		manifest:        d.Manifest,
		admission:       d.Admission,
		download:        d.Download,
		install:         d.Install,
		peer:            d.Peer,
		fs:              d.FS,
		clock:           d.Clock,
		status:          d.Status,
		cmds:            d.Commands,
		hook:            NewPanicHook(d.Logger, d.Diagnostics),
		metrics:         d.Metrics,
		history:         d.History,
		logger:          d.Logger.With("component", "orchestrator"),
		interval:        d.Interval,

		controlPlaneURL:  d.ControlPlaneURL,
		preflightTimeout: d.PreflightTimeout,
	}
}

// Status exposes the shared status store for the command listener.
func (o *Orchestrator) Status() *StatusStore { return o.status }

// Commands exposes the command sink for the command listener.
func (o *Orchestrator) Commands() *CommandSink { return o.cmds }

// StartUpdateBoth sets the update-both marker to "operator", so the next
// cycle reconciles the operator side first and then, on success, the
// vehicle side (spec §4.1).
func (o *Orchestrator) StartUpdateBoth() error {
	return writeMarker(o.fs, o.paths.updateBothMarker(), string(model.UpdateBothOperator))
}

// Run loops forever: run_until_complete, then wait up to the configured
// interval, pre-emptible by any command arrival (spec §4.1 `run()`, §5).
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		o.runWithRecovery(ctx)

		timer := time.NewTimer(o.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case cmd := <-o.cmds.Channel():
			timer.Stop()
			o.applyCommand(cmd)
		case <-timer.C:
		}
	}
}

// runWithRecovery wraps one RunOnce invocation with the panic hook; a
// panic is logged, best-effort-reported, and swallowed rather than
// restarting the loop (spec §4.1 "Failure semantics" — the supervisor
// process, not this loop, is responsible for respawn).
func (o *Orchestrator) runWithRecovery(ctx context.Context) {
	defer o.hook.Recover(ctx)
	action, err := o.RunOnce(ctx)
	if err != nil {
		o.logger.Error("reconciliation cycle failed", "action", action, "error", err)
	}
}

// applyCommand drains one queued command sink entry (spec §4.1 "Command
// sink accepts").
func (o *Orchestrator) applyCommand(cmd Command) {
	defer func() {
		if cmd.Done != nil {
			close(cmd.Done)
		}
	}()
	switch cmd.Kind {
	case CommandUpdateVersionForce:
		if err := o.forceRefresh(); err != nil {
			o.logger.Error("update_version_force failed", "error", err)
		}
	case CommandUpdateBothSides:
		if err := o.StartUpdateBoth(); err != nil {
			o.logger.Error("update_version_both failed", "error", err)
		}
	case CommandUpdateVersion:
		// A plain UpdateVersion command carries no extra state beyond
		// waking the loop for an immediate cycle; Run's select already
		// does that by virtue of having received on o.cmds.Channel().
	}
}

// forceRefresh implements UpdateVersionForce: clear the current scope's
// hash bucket so every component in it is re-evaluated from scratch on the
// next cycle (spec §4.1).
func (o *Orchestrator) forceRefresh() error {
	identity, err := o.identity.Acquire(context.Background())
	if err != nil {
		return fmt.Errorf("orchestrator: force refresh identity: %w", err)
	}
	scope := model.ScopeFor(identity.Operator, identity.ServerName)
	m, err := o.manifest.Build(identity.Operator, o.paths.HashFile, o.paths.PreviousRoot, identity.ServerName)
	if err != nil {
		return fmt.Errorf("orchestrator: force refresh build: %w", err)
	}
	m.HashManifest.PurgeScope(scope)
	return o.manifest.Write(m, o.paths.HashFile, o.paths.VersionsFile)
}

// RunOnce runs a single reconciliation attempt (spec §4.1 `run_once()`).
func (o *Orchestrator) RunOnce(ctx context.Context) (action model.CycleAction, err error) {
	start := o.clock.Now()
	var serverName, manifestVersion string
	defer func() {
		if o.metrics != nil {
			o.metrics.CycleDuration.Observe(o.clock.Now().Sub(start).Seconds())
		}
		o.recordCycle(ctx, start, serverName, manifestVersion, action, err)
	}()

	o.status.SetStatus(model.StatusChecking)

	if o.preflightTimeout > 0 && o.controlPlaneURL != "" {
		if !cloud.PreflightReachable(ctx, o.controlPlaneURL, o.preflightTimeout) {
			o.logger.Warn("orchestrator: control plane unreachable, deferring to retry", "url", o.controlPlaneURL)
			o.outcome("retry")
			return model.ActionRetry, fmt.Errorf("orchestrator: control plane %s unreachable", o.controlPlaneURL)
		}
	}

	identity, err := o.identity.Acquire(ctx)
	if err != nil {
		if authErr, ok := err.(*cloud.AuthError); ok && authErr.Retryable() {
			o.outcome("retry")
			return model.ActionRetry, err
		}
		o.status.SetStatus(model.StatusError)
		o.outcome("error")
		return model.ActionContinue, err
	}

	serverName = identity.ServerName
	operator := identity.Operator
	phase := readUpdateBothPhase(o.fs, o.paths.updateBothMarker())
	switch phase {
	case model.UpdateBothOperator:
		operator = true
	case model.UpdateBothVehicle:
		operator = false
	}

	m, err := o.manifest.Build(operator, o.paths.HashFile, o.paths.PreviousRoot, identity.ServerName)
	if err != nil {
		o.status.SetStatus(model.StatusError)
		o.outcome("error")
		return model.ActionContinue, fmt.Errorf("orchestrator: build manifest: %w", err)
	}
	manifestVersion = m.Version

	if err := o.reconcileVersionMarker(); err != nil {
		// Invariant 4 is non-negotiable (spec §7 policy 4): a version
		// marker recorded ahead of the running binary means this binary
		// is a downgrade, and continuing risks silently reverting a
		// previously announced self-update.
		panic(err.Error())
	}

	scope := m.Scope()
	if err := migratePreviousInstallDir(o.fs, o.paths.PreviousRoot, identity.ServerName, scope); err != nil {
		o.logger.Warn("orchestrator: previous-install directory migration failed, continuing", "error", err)
	}

	if o.peer != nil {
		connected, err := o.peer.HasConnectedSession(ctx)
		if err != nil {
			o.logger.Warn("orchestrator: local peer session check failed, continuing", "error", err)
		} else if connected {
			o.outcome("retry")
			return model.ActionRetry, nil
		}
	}

	incomplete := readMarker(o.fs, o.paths.incompleteMarker())
	switch {
	case incomplete == "":
		// nothing to recover
	case incomplete == scope:
		m = manifestsvc.PurgeForCurrentScope(m)
	default:
		m.HashManifest.PurgeAll()
	}

	m, err = o.runDownloadPhase(ctx, m, identity, scope)
	if err != nil {
		o.status.SetStatus(model.StatusError)
		o.outcome("error")
		return model.ActionContinue, err
	}

	if !m.IsFullyInstalled() {
		if err := writeMarker(o.fs, o.paths.incompleteMarker(), scope); err != nil {
			o.logger.Warn("orchestrator: write incomplete-install marker failed", "error", err)
		}

		o.status.SetStatus(model.StatusInstalling)
		result, installErr := o.install.RunBatch(ctx, m, o.paths.versionMarker())
		if installErr != nil {
			o.status.SetStatus(model.StatusError)
			if clearErr := clearMarker(o.fs, o.paths.incompleteMarker()); clearErr != nil {
				o.logger.Warn("orchestrator: clear incomplete-install marker failed", "error", clearErr)
			}
			o.outcome("error")
			return model.ActionContinue, fmt.Errorf("orchestrator: install: %w", installErr)
		}
		m = result.Manifest

		if o.peer != nil {
			if err := o.peer.NotifyManifestVersion(ctx, m.Version); err != nil {
				o.logger.Warn("orchestrator: notify peer of new manifest version failed", "error", err)
			}
		}
		if err := clearMarker(o.fs, o.paths.incompleteMarker()); err != nil {
			o.logger.Warn("orchestrator: clear incomplete-install marker failed", "error", err)
		}
	}

	if err := o.fs.RemoveAll(o.paths.StagingDir); err != nil {
		o.logger.Warn("orchestrator: clear staging directory failed", "error", err)
	}
	if err := o.fs.Sync(o.paths.HashFile); err != nil {
		o.logger.Debug("orchestrator: fsync before hash write failed, continuing", "error", err)
	}

	if err := o.manifest.Write(m, o.paths.HashFile, o.paths.VersionsFile); err != nil {
		o.status.SetStatus(model.StatusError)
		o.outcome("error")
		return model.ActionContinue, fmt.Errorf("orchestrator: persist manifest: %w", err)
	}

	o.status.SetStatus(model.StatusUpdated)
	o.outcome("continue")

	next, done := phase.Next()
	if !done {
		if err := writeMarker(o.fs, o.paths.updateBothMarker(), string(next)); err != nil {
			o.logger.Warn("orchestrator: advance update-both phase failed", "error", err)
		}
		return o.RunOnce(ctx)
	}
	if phase != model.UpdateBothNone {
		if err := clearMarker(o.fs, o.paths.updateBothMarker()); err != nil {
			o.logger.Warn("orchestrator: clear update-both marker failed", "error", err)
		}
	}

	return model.ActionContinue, nil
}

// reconcileVersionMarker implements spec §4.1 step 5: panic on regression,
// otherwise (re)stamp the marker with the compiled version.
func (o *Orchestrator) reconcileVersionMarker() error {
	marker := readMarker(o.fs, o.paths.versionMarker())
	if marker == "" {
		return writeMarker(o.fs, o.paths.versionMarker(), o.compiledVersion)
	}
	if semver.Less(o.compiledVersion, marker) {
		return fmt.Errorf("orchestrator: version marker %s is ahead of compiled version %s, refusing a downgrade", marker, o.compiledVersion)
	}
	if semver.Less(marker, o.compiledVersion) {
		return writeMarker(o.fs, o.paths.versionMarker(), o.compiledVersion)
	}
	return nil
}

// runDownloadPhase implements spec §4.3 run() steps 1-4 (checksum
// negotiation, merge, admission) at the orchestration layer, then delegates
// steps 5-7 (concurrent fetch) to internal/download.Engine.
func (o *Orchestrator) runDownloadPhase(ctx context.Context, m *model.Manifest, identity cloud.Identity, scope string) (*model.Manifest, error) {
	checksums := map[string]string{}
	for name, checksum := range m.HashManifest.Bucket(scope) {
		checksums[string(name)] = checksum
	}
	for name, checksum := range m.HashManifest.Bucket(model.MetaServerScope) {
		checksums[string(name)] = checksum
	}

	payload, err := o.cloud.ManifestChecksums(ctx, identity.ServerName, o.arch, checksums)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: checksum negotiation: %w", err)
	}
	m = manifestsvc.MergeCloud(m, payload)

	if payload.Version == model.CloudVersionLocal && len(payload.MissingComponents) == 0 {
		return m, nil
	}

	admitted, err := o.admission.Admit(ctx, m, o.paths.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: disk admission: %w", err)
	}
	if !admitted {
		return nil, fmt.Errorf("orchestrator: insufficient disk space for pending downloads")
	}

	if m.IsFullyInstalled() {
		return m, nil
	}

	result, err := o.download.FetchAll(ctx, m, o.paths.StagingDir, func(ctx context.Context, eta string) {
		if o.cloud != nil {
			_ = o.cloud.ReportStatus(ctx, cloud.OTAStatusReport{Status: string(model.StatusDownloading), ETA: eta})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: download: %w", err)
	}

	return manifestsvc.SetPaths(m, result.Paths), nil
}

// recordCycle persists one completed RunOnce invocation to the audit
// ledger, best-effort (a ledger write failure never fails the cycle
// itself).
func (o *Orchestrator) recordCycle(ctx context.Context, start time.Time, serverName, manifestVersion string, action model.CycleAction, err error) {
	if o.history == nil {
		return
	}
	rec := history.CycleRecord{
		ServerName:      serverName,
		StartedAt:       start,
		FinishedAt:      o.clock.Now(),
		Action:          action.String(),
		ManifestVersion: manifestVersion,
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
	}
	if recErr := o.history.RecordCycle(ctx, rec); recErr != nil {
		o.logger.Warn("orchestrator: record cycle history failed", "error", recErr)
	}
}

func (o *Orchestrator) outcome(label string) {
	if o.metrics == nil {
		return
	}
	o.metrics.CycleOutcomes.WithLabelValues(label).Inc()
}
