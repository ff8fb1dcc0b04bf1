//go:build !windows

package cmd

import (
	"github.com/alexlavriv/ota-agent/internal/config"
	"github.com/alexlavriv/ota-agent/internal/install"
	"github.com/alexlavriv/ota-agent/internal/install/msi"
	"github.com/alexlavriv/ota-agent/internal/install/syspkg"
	"github.com/alexlavriv/ota-agent/internal/platform"
)

// platformBindings is the set of collaborators that differ by target OS:
// the MSI registry (real on Windows, a stub everywhere else), the agent's
// own self-update hand-off, and the local package daemon's transport.
type platformBindings struct {
	registry      msi.Registry
	syspkgDoer    syspkg.Doer
	syspkgBaseURL string
}

func newPlatformBindings(cfg config.InstallConfig, fs platform.FileSystem) platformBindings {
	return platformBindings{
		registry:      msi.WindowsRegistry{},
		syspkgDoer:    syspkg.NewLocalTransport(cfg.SyspkgSocketPath),
		syspkgBaseURL: syspkg.DefaultBaseURL,
	}
}

// newSelfUpdater builds the agent's own self-update hand-off: on Linux the
// package daemon install is performed in-process and is not expected to
// return (spec §4.4).
func newSelfUpdater(pb platformBindings, syspkgInstaller install.PackageInstaller, agentVersion string, fs platform.FileSystem, cfg config.InstallConfig) install.SelfUpdater {
	return install.NewLinuxSelfUpdater(syspkgInstaller, agentVersion)
}
