// Package archive implements the tar/zip installer handler (spec §4.4):
// list contents, redirect a vendor-rooted archive to the system drive,
// extract to a temp staging directory first, then move every file to its
// final target and check that the moved copy's SHA-1 matches the extracted
// copy's.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mobyarchive "github.com/moby/go-archive"

	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
)

// vendorDirMarkers are path fragments that indicate the archive was built
// against a vendor-controlled install root (spec: "Program Files"-style).
var vendorDirMarkers = []string{"Program Files", "program files"}

// ProcessKiller re-runs the process-kill pass between retry attempts, since
// the usual cause of "Can't unlink" is a binary from the previous install
// still holding the file open.
type ProcessKiller interface {
	KillProcesses(ctx context.Context, names []string) error
}

// Installer extracts tar/zip archives with SHA-1-verified promotion.
type Installer struct {
	fs         platform.FileSystem
	killer     ProcessKiller
	systemRoot string
	logger     *slog.Logger
}

// New returns an archive Installer. systemRoot is substituted for the
// archive's own root when a vendor directory marker is found (spec:
// "switch the target root to system drive C:/").
func New(fs platform.FileSystem, killer ProcessKiller, systemRoot string, logger *slog.Logger) *Installer {
	return &Installer{fs: fs, killer: killer, systemRoot: systemRoot, logger: logger.With("installer", "archive")}
}

// Install extracts the archive at stagingPath into c.TargetPath (or
// systemRoot, if the archive lists a vendor directory) by way of a scratch
// directory: each extracted file is hashed, moved into place, hashed again,
// and a SHA-1 mismatch between the two copies fails the install.
func (i *Installer) Install(ctx context.Context, c model.Component, stagingPath string) error {
	entries, err := listEntries(stagingPath)
	if err != nil {
		return fmt.Errorf("archive: list %s: %w", stagingPath, err)
	}

	target := c.TargetPath
	if containsVendorDir(entries) {
		target = i.systemRoot
		i.logger.Info("archive redirected to system root", "component", c.Name, "target", target)
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		scratch := filepath.Join(target, ".ota-extract-"+string(c.Name))
		if err := i.fs.RemoveAll(scratch); err != nil {
			return fmt.Errorf("archive: clear scratch dir: %w", err)
		}
		if err := extractTo(stagingPath, scratch); err != nil {
			lastErr = err
			if isUnlinkError(err) && attempt < maxAttempts && i.killer != nil {
				i.killer.KillProcesses(ctx, c.Processes)
				continue
			}
			return fmt.Errorf("archive: extract %s: %w", c.Name, err)
		}

		if err := verifyAndPromote(i.fs, scratch, target, entries); err != nil {
			lastErr = err
			if isUnlinkError(err) && attempt < maxAttempts && i.killer != nil {
				i.killer.KillProcesses(ctx, c.Processes)
				continue
			}
			return fmt.Errorf("archive: verify/promote %s: %w", c.Name, err)
		}
		i.fs.RemoveAll(scratch)
		return nil
	}
	return fmt.Errorf("archive: exhausted retries for %s: %w", c.Name, lastErr)
}

// Uninstall removes every file the archive listed from c.TargetPath.
func (i *Installer) Uninstall(ctx context.Context, c model.Component) error {
	if c.PreviousInstallPath == "" {
		return fmt.Errorf("archive: no previous install snapshot for %s", c.Name)
	}
	entries, err := listEntries(c.PreviousInstallPath)
	if err != nil {
		return fmt.Errorf("archive: list snapshot %s: %w", c.PreviousInstallPath, err)
	}
	for _, e := range entries {
		if e.isDir {
			continue
		}
		i.fs.Remove(filepath.Join(c.TargetPath, e.name))
	}
	return nil
}

type entry struct {
	name  string
	isDir bool
}

func listEntries(archivePath string) ([]entry, error) {
	if strings.HasSuffix(strings.ToLower(archivePath), ".zip") {
		return listZipEntries(archivePath)
	}
	return listTarEntries(archivePath)
}

func listTarEntries(archivePath string) ([]entry, error) {
	f, err := openPossiblyGzipped(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []entry
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entry{name: hdr.Name, isDir: hdr.Typeflag == tar.TypeDir})
	}
	return out, nil
}

func listZipEntries(archivePath string) ([]entry, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := make([]entry, 0, len(r.File))
	for _, f := range r.File {
		out = append(out, entry{name: f.Name, isDir: f.FileInfo().IsDir()})
	}
	return out, nil
}

func openPossiblyGzipped(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(strings.ToLower(path), ".gz") || strings.HasSuffix(strings.ToLower(path), ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &gzipReadCloser{gz: gz, f: f}, nil
	}
	return f, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  io.Closer
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipReadCloser) Close() error {
	g.gz.Close()
	return g.f.Close()
}

func containsVendorDir(entries []entry) bool {
	for _, e := range entries {
		for _, marker := range vendorDirMarkers {
			if strings.Contains(e.name, marker) {
				return true
			}
		}
	}
	return false
}

// extractTo uses moby/go-archive's tar extractor for tar-format archives
// (the corpus dependency this whole handler exists to exercise); zip
// extraction falls back to the standard library since go-archive, like its
// docker/pkg/archive ancestor, is tar-only.
func extractTo(archivePath, dest string) error {
	if strings.HasSuffix(strings.ToLower(archivePath), ".zip") {
		return extractZip(archivePath, dest)
	}
	f, err := openPossiblyGzipped(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return mobyarchive.Untar(f, dest, &mobyarchive.TarOptions{NoLchown: true})
}

func extractZip(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if f.FileInfo().IsDir() {
			continue
		}
		if err := writeZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

func verifyAndPromote(fs platform.FileSystem, scratch, target string, entries []entry) error {
	for _, e := range entries {
		if e.isDir {
			continue
		}
		scratchPath := filepath.Join(scratch, e.name)
		finalPath := filepath.Join(target, e.name)

		sum, err := sha1File(scratchPath)
		if err != nil {
			return fmt.Errorf("hash extracted %s: %w", e.name, err)
		}
		if err := fs.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
			return err
		}
		if err := fs.Rename(scratchPath, finalPath); err != nil {
			return fmt.Errorf("promote %s: %w", e.name, err)
		}
		promotedSum, err := sha1File(finalPath)
		if err != nil {
			return fmt.Errorf("hash promoted %s: %w", e.name, err)
		}
		if sum != promotedSum {
			return fmt.Errorf("promoted copy of %s does not match extracted copy", e.name)
		}
	}
	return nil
}

func sha1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isUnlinkError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "can't unlink") ||
		strings.Contains(strings.ToLower(err.Error()), "text file busy") ||
		strings.Contains(strings.ToLower(err.Error()), "device or resource busy")
}
