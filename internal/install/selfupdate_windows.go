//go:build windows

package install

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/alexlavriv/ota-agent/internal/platform"
)

// WindowsSelfUpdater materializes a small batch script that waits for this
// process to exit, copies the new binary over, re-registers the scheduled
// task, and triggers it — then launches the script detached and waits to be
// killed (spec §4.4: "a hand-off through an external scheduled task").
type WindowsSelfUpdater struct {
	fs          platform.FileSystem
	installDir  string
	taskName    string
	killWait    time.Duration
}

// NewWindowsSelfUpdater returns a SelfUpdater that hands off via a detached
// relaunch script and the named scheduled task.
func NewWindowsSelfUpdater(fs platform.FileSystem, installDir, taskName string) *WindowsSelfUpdater {
	return &WindowsSelfUpdater{fs: fs, installDir: installDir, taskName: taskName, killWait: 30 * time.Second}
}

func (u *WindowsSelfUpdater) Handoff(ctx context.Context, stagingPath string) error {
	scriptPath := filepath.Join(os.TempDir(), "ota-selfupdate.bat")
	pid := os.Getpid()
	target := filepath.Join(u.installDir, "phantom_agent.exe")
	script := fmt.Sprintf(`@echo off
:wait
tasklist /fi "PID eq %d" 2>NUL | find "%d" >NUL
if not errorlevel 1 goto wait
copy /y "%s" "%s"
schtasks /end /tn "%s"
schtasks /run /tn "%s"
del "%%~f0"
`, pid, pid, stagingPath, target, u.taskName, u.taskName)

	if err := u.fs.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("windows self-update: write handoff script: %w", err)
	}

	cmd := exec.CommandContext(context.Background(), "cmd", "/C", "start", "/B", scriptPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("windows self-update: launch handoff script: %w", err)
	}

	// The script will kill this process once it copies the new binary into
	// place; block here so the orchestrator doesn't proceed to the next
	// pipeline step with a binary that's about to disappear.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(u.killWait):
		return fmt.Errorf("windows self-update: handoff script did not terminate process within %s", u.killWait)
	}
}
