package install

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// GopsutilProcessManager implements platform.ProcessManager on top of
// gopsutil's cross-platform process enumeration, since neither the Go
// standard library nor any other corpus dependency exposes "list every
// running process and its loaded modules".
type GopsutilProcessManager struct{}

// FindByName returns the PIDs of every running process whose executable
// base name (extension stripped) case-insensitively matches name.
func (GopsutilProcessManager) FindByName(ctx context.Context, name string) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("install: enumerate processes: %w", err)
	}
	want := strings.ToLower(trimExt(name))

	var matches []int32
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.ToLower(trimExt(pname)) == want {
			matches = append(matches, p.Pid)
		}
	}
	return matches, nil
}

// FindByLoadedModule returns the PIDs of processes that have moduleName
// mapped into their address space (via gopsutil's memory-map listing, the
// closest cross-platform analogue to Windows' loaded-DLL enumeration) and
// whose own executable lives under rootDir.
func (GopsutilProcessManager) FindByLoadedModule(ctx context.Context, moduleName, rootDir string) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("install: enumerate processes: %w", err)
	}
	want := strings.ToLower(moduleName)
	rootDir = filepath.Clean(rootDir)

	var matches []int32
	for _, p := range procs {
		exe, err := p.ExeWithContext(ctx)
		if err != nil || !strings.HasPrefix(filepath.Clean(exe), rootDir) {
			continue
		}
		maps, err := p.MemoryMapsWithContext(ctx, false)
		if err != nil || maps == nil {
			continue
		}
		for _, mm := range *maps {
			if strings.Contains(strings.ToLower(mm.Path), want) {
				matches = append(matches, p.Pid)
				break
			}
		}
	}
	return matches, nil
}

// Kill terminates pid; a process that has already exited is not an error.
func (GopsutilProcessManager) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil
	}
	if err := p.KillWithContext(ctx); err != nil && !strings.Contains(err.Error(), "process does not exist") {
		return fmt.Errorf("install: kill pid %d: %w", pid, err)
	}
	return nil
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
