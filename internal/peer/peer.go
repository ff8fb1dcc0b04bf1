// Package peer implements the local peer HTTP client: a neighboring
// process on 127.0.0.1 that the orchestrator consults once per cycle to
// decide whether an update should be deferred, and notifies once an
// install batch completes (spec §6 "Local peer HTTP").
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexlavriv/ota-agent/internal/platform"
)

// Client is the local peer HTTP client.
type Client struct {
	baseURL string
	doer    platform.HTTPDoer
	logger  *slog.Logger
}

// New returns a Client talking to the peer at baseURL
// ("http://127.0.0.1:<port>/").
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		doer:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "peer_client"),
	}
}

type statusResponse struct {
	Data struct {
		NodeStatus string `json:"node_status"`
	} `json:"data"`
}

// HasConnectedSession reports whether the peer is currently serving a
// session ("connected" means defer updates, spec §6).
func (c *Client) HasConnectedSession(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"status", nil)
	if err != nil {
		return false, fmt.Errorf("peer: build status request: %w", err)
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return false, fmt.Errorf("peer: status request: %w", err)
	}
	defer resp.Body.Close()

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("peer: decode status response: %w", err)
	}
	return out.Data.NodeStatus == "connected", nil
}

// NotifyInstallSnap tells the peer a component was (re)installed.
func (c *Client) NotifyInstallSnap(ctx context.Context, component, version string) error {
	return c.postJSON(ctx, "install_snap", map[string]string{"component": component, "version": version})
}

// NotifyManifestVersion tells the peer the manifest advanced to version.
func (c *Client) NotifyManifestVersion(ctx context.Context, version string) error {
	return c.postJSON(ctx, "manifest_version", map[string]string{"version": version})
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("peer: marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("peer: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("peer: %s request: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("peer: %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
