// Package platform defines the small set of capability interfaces every OTA
// component depends on instead of calling the OS/network directly: a
// filesystem handle, an HTTP client, a process launcher, and a clock. This
// is the design-equivalent of the function-pointer test seams threaded
// through the original Rust source (spec §9) — production wires the Default*
// implementations in this file; tests substitute fakes.
package platform

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"
)

// FileSystem abstracts the filesystem operations the pipeline needs so
// tests can run entirely in-memory.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	// WriteFileAtomic writes data to a temp file in the same directory as
	// path and renames it into place, so a reader never observes a
	// partially-written file.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	Exists(path string) bool
	ReadDir(path string) ([]os.DirEntry, error)
	Rename(oldPath, newPath string) error
	Create(path string) (*os.File, error)
	Open(path string) (*os.File, error)
	// OpenAppend opens path for writing, creating it if absent, positioned
	// at end-of-file; the download engine uses this to resume a partial
	// transfer without re-reading what it already wrote.
	OpenAppend(path string) (*os.File, error)
	// FreeBytes reports the free space available on the volume containing
	// path.
	FreeBytes(path string) (uint64, error)
	// Sync flushes the directory containing path so a subsequent crash does
	// not lose the rename-into-place above (spec §4.1 step 11's fsync on
	// Unix).
	Sync(path string) error
}

// HTTPDoer is satisfied by *http.Client and any rate-limited or
// instrumented wrapper around it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CommandRunner abstracts subprocess execution for installer CLIs
// (apt-get, dpkg, msiexec-equivalents, the system-package daemon helper).
type CommandRunner interface {
	// Run executes name with args and returns combined stdout+stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ProcessManager abstracts host process enumeration/termination for the
// process-kill orchestration (spec §4.4 step 2).
type ProcessManager interface {
	// FindByName returns the PIDs of running processes whose executable
	// name matches name (case-insensitive, extension-agnostic).
	FindByName(ctx context.Context, name string) ([]int32, error)
	// FindByLoadedModule returns the PIDs of processes that currently have
	// a module (DLL/shared object) named moduleName loaded, restricted to
	// processes whose executable path is under rootDir.
	FindByLoadedModule(ctx context.Context, moduleName, rootDir string) ([]int32, error)
	// Kill terminates pid; absence of the process is not an error.
	Kill(ctx context.Context, pid int32) error
}

// Clock abstracts time so retry/backoff and staleness-TTL logic is
// testable without real sleeps.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// DefaultClock is the production Clock backed by the real wall clock.
type DefaultClock struct{}

func (DefaultClock) Now() time.Time     { return time.Now() }
func (DefaultClock) Sleep(d time.Duration) { time.Sleep(d) }

// DefaultFileSystem is the production FileSystem backed by the OS.
type DefaultFileSystem struct{}

func (DefaultFileSystem) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (DefaultFileSystem) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (fs DefaultFileSystem) Remove(path string) error      { return os.Remove(path) }
func (fs DefaultFileSystem) RemoveAll(path string) error   { return os.RemoveAll(path) }
func (fs DefaultFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}
func (fs DefaultFileSystem) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }
func (fs DefaultFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
func (fs DefaultFileSystem) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }
func (fs DefaultFileSystem) Rename(oldPath, newPath string) error       { return os.Rename(oldPath, newPath) }
func (fs DefaultFileSystem) Create(path string) (*os.File, error)       { return os.Create(path) }
func (fs DefaultFileSystem) Open(path string) (*os.File, error)         { return os.Open(path) }

func (fs DefaultFileSystem) OpenAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// WriteFileAtomic writes data to a sibling temp file and renames it over
// path, so a concurrent reader (or a crash mid-write) never observes a
// torn file. This backs the hash-table and version-marker persistence that
// spec §5 requires to be all-or-nothing across a restart.
func (fs DefaultFileSystem) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (fs DefaultFileSystem) Sync(path string) error {
	dir, err := os.Open(dirOf(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[:i]
		}
	}
	return "."
}

// DefaultCommandRunner shells out via os/exec. Process enumeration/kill is
// implemented separately in internal/install on top of gopsutil, since no
// stdlib facility covers it.
type DefaultCommandRunner struct{}

func (DefaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

var _ io.Closer = (*os.File)(nil)
