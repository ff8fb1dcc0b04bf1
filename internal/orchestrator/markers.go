package orchestrator

import (
	"path/filepath"
	"strings"

	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
)

// Marker file names, relative to the persisted-state base directory (spec §6).
const (
	VersionMarkerFile    = "future_version"
	IncompleteMarkerFile = "incomplete_install"
	UpdateBothMarkerFile = "update_both_status"
)

// readMarker returns the trimmed contents of path, or "" if it doesn't
// exist. A read error other than not-found is swallowed the same way: the
// marker is treated as absent, since every marker file is advisory state
// the next successful cycle rewrites.
func readMarker(fs platform.FileSystem, path string) string {
	if !fs.Exists(path) {
		return ""
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeMarker(fs platform.FileSystem, path, value string) error {
	return fs.WriteFileAtomic(path, []byte(value), 0o644)
}

func clearMarker(fs platform.FileSystem, path string) error {
	if !fs.Exists(path) {
		return nil
	}
	return fs.Remove(path)
}

// readUpdateBothPhase loads the update-both marker.
func readUpdateBothPhase(fs platform.FileSystem, path string) model.UpdateBothPhase {
	return model.UpdateBothPhase(readMarker(fs, path))
}

// migratePreviousInstallDir renames a legacy unprefixed previous-install
// directory (`previous/<server_name>/...`) into its role-prefixed form
// (`previous/<scope>/...`), mirroring HashManifest.MigrateLegacyScope for
// the on-disk snapshot tree (spec §4.1 step 6). A no-op if the legacy
// directory is absent, or if the prefixed directory already exists (real
// snapshots always win over a stale legacy copy).
func migratePreviousInstallDir(fs platform.FileSystem, previousRoot, serverName, scope string) error {
	legacy := filepath.Join(previousRoot, serverName)
	target := filepath.Join(previousRoot, scope)
	if !fs.Exists(legacy) {
		return nil
	}
	if fs.Exists(target) {
		return nil
	}
	return fs.Rename(legacy, target)
}
