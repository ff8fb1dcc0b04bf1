// Package install implements the C4 Install Engine: dispatch to the
// per-format installers, process-kill orchestration, previous-install
// snapshotting, and rollback of a failed batch (spec §4.4).
package install

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
)

// SnapshotDir returns the component's previous-install snapshot directory.
// PromoteSnapshot keeps that directory to one artifact file (invariant 5).
func SnapshotDir(c model.Component) string {
	return c.PreviousInstallPath
}

// PromoteSnapshot replaces the contents of dir with a single copy of
// artifactPath (or empties dir, when artifactPath is ""), so the snapshot
// directory remains the sole source of truth for "what to reinstall on
// rollback" (spec §4.4 "Snapshotting previous installer").
func PromoteSnapshot(fs platform.FileSystem, dir, artifactPath string) error {
	if dir == "" {
		return nil
	}
	if err := fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("install: clear snapshot dir %s: %w", dir, err)
	}
	if artifactPath == "" {
		return nil
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("install: create snapshot dir %s: %w", dir, err)
	}
	data, err := fs.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("install: read artifact %s: %w", artifactPath, err)
	}
	dest := filepath.Join(dir, filepath.Base(artifactPath))
	if err := fs.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("install: write snapshot %s: %w", dest, err)
	}
	return nil
}

// SnapshotFile returns the single installer artifact file held in dir, or
// "" if the directory is absent or empty (no previous-install snapshot).
func SnapshotFile(fs platform.FileSystem, dir string) (string, bool) {
	if dir == "" || !fs.Exists(dir) {
		return "", false
	}
	entries, err := fs.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// IsSnapshotStale reports whether the snapshot artifact at artifactPath is
// older than ttl (by modification time),
// per the original source's file-creation-date staleness check
// (original_source/file_creation_date_util.rs, supplemented into spec §4.4
// rollback: a stale snapshot is treated as absent rather than reinstalled).
// A zero ttl disables the check (snapshot never considered stale).
func IsSnapshotStale(fs platform.FileSystem, artifactPath string, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 || artifactPath == "" {
		return false
	}
	info, err := fs.Stat(artifactPath)
	if err != nil {
		return false
	}
	return now.Sub(modTime(info)) > ttl
}

func modTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
