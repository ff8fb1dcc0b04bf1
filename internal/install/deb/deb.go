// Package deb implements the Debian-package installer/uninstaller handler
// (spec §4.4): apt-get install with dpkg-interrupted recovery, and
// apt-get remove on uninstall, each verified against the installed
// package's reported version.
package deb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
)

// Installer drives apt-get/dpkg through platform.CommandRunner.
type Installer struct {
	runner platform.CommandRunner
	logger *slog.Logger
}

// New returns a Debian package Installer.
func New(runner platform.CommandRunner, logger *slog.Logger) *Installer {
	return &Installer{runner: runner, logger: logger.With("installer", "deb")}
}

// Install runs apt-get -y install <stagingPath> --allow-downgrades,
// recovering once from an interrupted dpkg state, then asserts the
// installed version matches c.Version.
func (i *Installer) Install(ctx context.Context, c model.Component, stagingPath string) error {
	out, err := i.runner.Run(ctx, "apt-get", "-y", "install", stagingPath, "--allow-downgrades")
	if err != nil && isDpkgInterrupted(out) {
		i.logger.Warn("dpkg was interrupted, recovering", "component", c.Name)
		if _, rerr := i.runner.Run(ctx, "dpkg", "--configure", "-a"); rerr != nil {
			return fmt.Errorf("deb: dpkg --configure -a: %w", rerr)
		}
		out, err = i.runner.Run(ctx, "apt-get", "-y", "install", stagingPath, "--allow-downgrades")
	}
	if err != nil {
		return fmt.Errorf("deb: apt-get install %s: %w (%s)", c.Name, err, trimOutput(out))
	}

	pkgName, err := packageName(ctx, i.runner, stagingPath)
	if err != nil {
		return err
	}
	installed, err := installedVersion(ctx, i.runner, pkgName)
	if err != nil {
		return err
	}
	if installed != c.Version {
		return fmt.Errorf("deb: post-install version mismatch for %s: want %s, got %s", c.Name, c.Version, installed)
	}
	return nil
}

// Uninstall extracts the package name from the previous-install snapshot
// and removes it, asserting the package is no longer reported installed.
func (i *Installer) Uninstall(ctx context.Context, c model.Component) error {
	if c.PreviousInstallPath == "" {
		return fmt.Errorf("deb: no previous install snapshot for %s", c.Name)
	}
	pkgName, err := packageName(ctx, i.runner, c.PreviousInstallPath)
	if err != nil {
		return err
	}
	if _, err := i.runner.Run(ctx, "apt-get", "-y", "remove", pkgName); err != nil {
		return fmt.Errorf("deb: apt-get remove %s: %w", pkgName, err)
	}
	if _, err := installedVersion(ctx, i.runner, pkgName); err == nil {
		return fmt.Errorf("deb: %s still reports installed after remove", pkgName)
	}
	return nil
}

func packageName(ctx context.Context, runner platform.CommandRunner, debPath string) (string, error) {
	out, err := runner.Run(ctx, "dpkg-deb", "-f", debPath, "Package")
	if err != nil {
		return "", fmt.Errorf("deb: read package name of %s: %w", debPath, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func installedVersion(ctx context.Context, runner platform.CommandRunner, pkgName string) (string, error) {
	out, err := runner.Run(ctx, "dpkg-query", "-W", "-f=${Version}", pkgName)
	if err != nil {
		return "", fmt.Errorf("deb: query installed version of %s: %w", pkgName, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func isDpkgInterrupted(output []byte) bool {
	return bytes.Contains(bytes.ToLower(output), []byte("dpkg was interrupted"))
}

func trimOutput(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
