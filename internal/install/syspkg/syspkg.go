// Package syspkg implements the system-package installer handler (spec
// §4.4): on Linux, POST the artifact to a local Unix-socket package daemon
// and poll the returned change-id until it reaches a terminal status; on
// Windows the same protocol is spoken over a local HTTP co-process instead
// of a Unix socket (spec: "Windows variant defers to a local co-process via
// HTTP").
package syspkg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alexlavriv/ota-agent/internal/model"
)

// Doer is satisfied by an *http.Client dialing a Unix socket (Linux) or a
// local TCP co-process (Windows); cmd/agent/cmd wires the right one in
// per-platform (platform_unix.go, platform_windows.go).
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Installer drives the local package daemon's change-submit/poll protocol.
type Installer struct {
	doer      Doer
	baseURL   string // e.g. "http://unix/" for the Unix-socket transport
	pollEvery time.Duration
	logger    *slog.Logger
}

// New returns a syspkg Installer. doer's RoundTripper determines whether
// requests actually go over a Unix socket or local TCP; baseURL is the
// fixed host part every request is issued against.
func New(doer Doer, baseURL string, logger *slog.Logger) *Installer {
	return &Installer{doer: doer, baseURL: baseURL, pollEvery: time.Second, logger: logger.With("installer", "syspkg")}
}

type changeResponse struct {
	ChangeID string `json:"change_id"`
}

type changeStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func isTerminal(status string) (done bool, success bool) {
	switch status {
	case "Done":
		return true, true
	case "Error", "Abort", "":
		return true, false
	default:
		return false, false
	}
}

// Install uploads the artifact at stagingPath to the daemon's change-submit
// endpoint and polls the returned change-id every pollEvery until it
// reaches a terminal state; if the component was previously in a
// "disabled" state, that state is restored after install (spec §4.4).
func (i *Installer) Install(ctx context.Context, c model.Component, stagingPath string) error {
	wasDisabled, err := i.queryDisabled(ctx, c.Name)
	if err != nil {
		i.logger.Warn("syspkg: could not read prior enabled state, assuming enabled", "component", c.Name, "error", err)
	}

	changeID, err := i.submitChange(ctx, "install", stagingPath)
	if err != nil {
		return fmt.Errorf("syspkg: submit install %s: %w", c.Name, err)
	}
	if err := i.pollUntilTerminal(ctx, changeID); err != nil {
		return fmt.Errorf("syspkg: install %s: %w", c.Name, err)
	}

	if wasDisabled {
		if err := i.setDisabled(ctx, c.Name, true); err != nil {
			i.logger.Warn("syspkg: failed to restore disabled state", "component", c.Name, "error", err)
		}
	}
	return nil
}

// Uninstall submits a remove change for the component and polls it to
// completion.
func (i *Installer) Uninstall(ctx context.Context, c model.Component) error {
	changeID, err := i.submitRemove(ctx, string(c.Name))
	if err != nil {
		return fmt.Errorf("syspkg: submit remove %s: %w", c.Name, err)
	}
	return i.pollUntilTerminal(ctx, changeID)
}

func (i *Installer) submitChange(ctx context.Context, action, artifactPath string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("snap", filepath.Base(artifactPath))
	if err != nil {
		return "", err
	}
	f, err := os.Open(artifactPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"v2/snaps", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return i.doChangeRequest(req)
}

func (i *Installer) submitRemove(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"v2/snaps/"+name, bytes.NewReader([]byte(`{"action":"remove"}`)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	return i.doChangeRequest(req)
}

func (i *Installer) doChangeRequest(req *http.Request) (string, error) {
	resp, err := i.doer.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	var cr changeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode change response: %w", err)
	}
	return cr.ChangeID, nil
}

func (i *Installer) pollUntilTerminal(ctx context.Context, changeID string) error {
	interval := i.pollEvery
	if interval <= 0 {
		// time.NewTicker panics on a non-positive interval.
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := i.queryChange(ctx, changeID)
			if err != nil {
				return err
			}
			done, success := isTerminal(status.Status)
			if !done {
				continue
			}
			if !success {
				return fmt.Errorf("change %s failed: %s", changeID, status.Error)
			}
			return nil
		}
	}
}

func (i *Installer) queryChange(ctx context.Context, changeID string) (*changeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.baseURL+"v2/changes/"+changeID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var cs changeStatus
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, fmt.Errorf("decode change status: %w", err)
	}
	return &cs, nil
}

type snapInfo struct {
	Result struct {
		Status string `json:"status"`
	} `json:"result"`
}

func (i *Installer) queryDisabled(ctx context.Context, name model.Name) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.baseURL+"v2/snaps/"+string(name), nil)
	if err != nil {
		return false, err
	}
	resp, err := i.doer.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return false, nil
	}
	var info snapInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false, err
	}
	return info.Result.Status == "disabled", nil
}

func (i *Installer) setDisabled(ctx context.Context, name model.Name, disabled bool) error {
	action := "enable"
	if disabled {
		action = "disable"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"v2/snaps/"+string(name), bytes.NewReader([]byte(fmt.Sprintf(`{"action":%q}`, action))))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := i.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
