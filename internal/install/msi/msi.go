// Package msi implements the Windows-installer handler (spec §4.4): parse
// the package, serialize with a host-wide named mutex, uninstall any prior
// snapshot, scrub the product code's registry subtree, advertise, install,
// and verify via the registry with a snapshot-reinstall rollback on
// failure.
package msi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
)

// MutexWaitTimeout bounds how long Install waits to acquire the
// cross-process installer mutex (spec §5: "bounded (300s)").
const MutexWaitTimeout = 300 * time.Second

// NamedMutex serializes against any other installer process on the host.
type NamedMutex interface {
	Acquire(ctx context.Context, timeout time.Duration) (release func(), err error)
}

// Registry abstracts the product-code registry lookups/writes an MSI
// install verifies against, so tests don't touch a real Windows registry.
type Registry interface {
	// ReadVersion returns the installed version for productCode, or an
	// error if the product code has no registry entry.
	ReadVersion(productCode string) (string, error)
	// RemoveSubtree deletes the product code's registry subtree.
	RemoveSubtree(productCode string) error
}

// PackageInspector parses an MSI file's (name, version, productCode).
type PackageInspector interface {
	Inspect(ctx context.Context, path string) (name, version, productCode string, err error)
}

// StatusReporter pushes a transient status string while waiting on the
// mutex, surfaced to the cloud/peer as the install's current phase.
type StatusReporter interface {
	Report(ctx context.Context, message string)
}

// Installer drives msiexec through platform.CommandRunner.
type Installer struct {
	runner   platform.CommandRunner
	registry Registry
	inspect  PackageInspector
	mutex    NamedMutex
	status   StatusReporter
	logger   *slog.Logger
}

// New returns an MSI Installer.
func New(runner platform.CommandRunner, registry Registry, inspect PackageInspector, mutex NamedMutex, status StatusReporter, logger *slog.Logger) *Installer {
	return &Installer{runner: runner, registry: registry, inspect: inspect, mutex: mutex, status: status, logger: logger.With("installer", "msi")}
}

func (i *Installer) Install(ctx context.Context, c model.Component, stagingPath string) error {
	_, version, productCode, err := i.inspect.Inspect(ctx, stagingPath)
	if err != nil {
		return fmt.Errorf("msi: inspect %s: %w", stagingPath, err)
	}

	if i.status != nil {
		i.status.Report(ctx, "Waiting for another installation to complete")
	}
	release, err := i.mutex.Acquire(ctx, MutexWaitTimeout)
	if err != nil {
		return fmt.Errorf("msi: acquire installer mutex: %w", err)
	}
	defer release()

	if c.PreviousInstallPath != "" {
		if _, err := i.runner.Run(ctx, "msiexec", "/x", c.PreviousInstallPath, "/quiet"); err != nil {
			i.logger.Warn("msi: prior snapshot uninstall failed, continuing", "component", c.Name, "error", err)
		}
	}
	if err := i.registry.RemoveSubtree(productCode); err != nil {
		i.logger.Warn("msi: registry subtree cleanup failed, continuing", "component", c.Name, "error", err)
	}
	if _, err := i.runner.Run(ctx, "msiexec", "/jm", stagingPath); err != nil {
		return fmt.Errorf("msi: advertise %s: %w", c.Name, err)
	}

	logPath := stagingPath + ".install.log"
	if _, err := i.runner.Run(ctx, "msiexec", "/i", stagingPath, "REBOOT=R", "/qn", "/l*v", logPath); err != nil {
		i.logger.Error("msi: install failed, attempting rollback", "component", c.Name, "error", err)
		if c.PreviousInstallPath != "" {
			if _, rerr := i.runner.Run(ctx, "msiexec", "/i", c.PreviousInstallPath, "/quiet"); rerr != nil {
				return fmt.Errorf("msi: install failed and rollback reinstall failed for %s: %w (rollback: %v)", c.Name, err, rerr)
			}
		}
		return fmt.Errorf("msi: install %s: %w", c.Name, err)
	}

	installed, err := i.registry.ReadVersion(productCode)
	if err != nil || installed != version {
		return fmt.Errorf("msi: post-install verification failed for %s: got %q want %q (err=%v)", c.Name, installed, version, err)
	}
	return nil
}

func (i *Installer) Uninstall(ctx context.Context, c model.Component) error {
	if c.PreviousInstallPath == "" {
		return fmt.Errorf("msi: no previous install snapshot for %s", c.Name)
	}
	release, err := i.mutex.Acquire(ctx, MutexWaitTimeout)
	if err != nil {
		return fmt.Errorf("msi: acquire installer mutex: %w", err)
	}
	defer release()

	if _, err := i.runner.Run(ctx, "msiexec", "/x", c.PreviousInstallPath, "/quiet"); err != nil {
		return fmt.Errorf("msi: uninstall %s: %w", c.Name, err)
	}
	return nil
}
