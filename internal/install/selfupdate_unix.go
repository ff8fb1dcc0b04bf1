//go:build !windows

package install

import (
	"context"
	"fmt"

	"github.com/alexlavriv/ota-agent/internal/model"
)

// LinuxSelfUpdater performs the agent's own system-package install
// in-process; the package daemon kills and restarts the agent as part of
// that install, so a successful Handoff call is not expected to return
// (spec §4.4: "if this call returns ... treat as failure").
type LinuxSelfUpdater struct {
	syspkg  PackageInstaller
	version string
}

// NewLinuxSelfUpdater wraps the syspkg installer used for the agent's own
// package.
func NewLinuxSelfUpdater(syspkg PackageInstaller, version string) *LinuxSelfUpdater {
	return &LinuxSelfUpdater{syspkg: syspkg, version: version}
}

func (u *LinuxSelfUpdater) Handoff(ctx context.Context, stagingPath string) error {
	err := u.syspkg.Install(ctx, model.Component{Name: model.PhantomAgent, Version: u.version, PackageType: model.PackageSystemPackage}, stagingPath)
	if err != nil {
		return fmt.Errorf("linux self-update: package daemon install failed: %w", err)
	}
	// Production never reaches this line: the daemon's restart replaces
	// this process before the install call returns.
	return fmt.Errorf("linux self-update: package daemon install returned without restarting the agent")
}
