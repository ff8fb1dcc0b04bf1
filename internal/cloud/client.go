// Package cloud is a thin HTTP wrapper over the control-plane endpoints
// used by the orchestrator, manifest service, download engine, and install
// engine: checksum negotiation, status reporting, version listing, and
// diagnostic ticket attachment.
package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alexlavriv/ota-agent/internal/config"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Client is the control-plane HTTP client. The manifest, status and
// versions endpoints are versioned /api/v3/... with a fallback to
// /api/v1/... when v3 responds 404 (spec §6, preserved open-question
// behavior — see doWithFallback and fallback404). The auth challenge and
// Jira attach endpoints are called on /api/v3 only, with no fallback.
type Client struct {
	baseURL     string
	token       string
	doer        platform.HTTPDoer
	limiter     *rate.Limiter
	logger      *slog.Logger
	validate    *validator.Validate
	fallback404 bool
}

// New builds a Client from configuration. token is the bearer credential
// obtained from the (out-of-scope) identity provider.
func New(cfg config.CloudConfig, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   token,
		doer: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		logger:      logger.With("component", "cloud_client"),
		validate:    validator.New(),
		fallback404: cfg.TreatAny404AsV1Fallback,
	}
}

// ManifestPayload is what merge_cloud consumes: either the modern shape
// ({version, missingComponents}) or a bare legacy array, normalized into
// this struct by ManifestChecksums.
type ManifestPayload struct {
	Version            string                `json:"version"`
	MissingComponents []ManifestComponent    `json:"missingComponents" validate:"dive"`
}

// ManifestComponent is one entry of a manifest response, cloud's
// descriptor for a component it wants the endpoint to have.
type ManifestComponent struct {
	Component   string            `json:"component" validate:"required"`
	Checksum    string            `json:"checksum" validate:"omitempty,hexadecimal"`
	Version     string            `json:"version"`
	Link        string            `json:"link" validate:"omitempty,url"`
	Token       string            `json:"token"`
	Arch        string            `json:"arch"`
	PackageType model.PackageType `json:"package_type"`
}

// checksumSnapshot is the role-tagged request body for the manifest
// endpoint: the agent's current view of what's installed.
type checksumSnapshot struct {
	Arch       string            `json:"arch"`
	Checksums  map[string]string `json:"checksums,omitempty"`
}

// ManifestChecksums posts the current hash-table bucket for scope to the
// control plane and returns the normalized missing-components payload
// (spec §6, §4.3 step 1).
func (c *Client) ManifestChecksums(ctx context.Context, serverName, arch string, checksums map[string]string) (*ManifestPayload, error) {
	body := checksumSnapshot{Arch: arch, Checksums: checksums}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("cloud: marshal manifest request: %w", err)
	}

	path := fmt.Sprintf("versions/%s/manifest?includeVersion=true", serverName)
	resp, err := c.doWithFallback(ctx, http.MethodPost, path, raw)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cloud: read manifest response: %w", err)
	}

	payload, err := parseManifestResponse(data)
	if err != nil {
		return nil, err
	}
	if err := c.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("cloud: invalid manifest payload: %w", err)
	}
	return payload, nil
}

// parseManifestResponse normalizes either shape the endpoint may return:
// the modern {version, missingComponents} object, or a legacy bare array of
// components (treated as version "" since no version label accompanies it).
func parseManifestResponse(data []byte) (*ManifestPayload, error) {
	var modern ManifestPayload
	if err := json.Unmarshal(data, &modern); err == nil && modern.Version != "" {
		return &modern, nil
	}

	var legacy []ManifestComponent
	if err := json.Unmarshal(data, &legacy); err == nil {
		return &ManifestPayload{Version: "", MissingComponents: legacy}, nil
	}
	return nil, fmt.Errorf("cloud: unrecognized manifest response shape")
}

// OTAStatusReport is the PUT body for nodes/self/ota.
type OTAStatusReport struct {
	Status  string `json:"status"`
	ETA     string `json:"eta,omitempty"`
	Message string `json:"message,omitempty"`
}

// ReportStatus pushes the current pipeline status to the control plane.
func (c *Client) ReportStatus(ctx context.Context, report OTAStatusReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("cloud: marshal status report: %w", err)
	}
	resp, err := c.doWithFallback(ctx, http.MethodPut, "nodes/self/ota", raw)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// NodeStatus is the GET nodes/self/ota response shape.
type NodeStatus struct {
	Data struct {
		Status string `json:"status"`
	} `json:"data"`
}

// GetNodeStatus reads the node's last-reported status back from cloud.
func (c *Client) GetNodeStatus(ctx context.Context) (*NodeStatus, error) {
	resp, err := c.doWithFallback(ctx, http.MethodGet, "nodes/self/ota", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("cloud: decode node status: %w", err)
	}
	return &status, nil
}

// Versions returns the list of version strings the control plane has on
// offer.
func (c *Client) Versions(ctx context.Context) ([]string, error) {
	resp, err := c.doWithFallback(ctx, http.MethodGet, "versions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var versions []string
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return nil, fmt.Errorf("cloud: decode versions: %w", err)
	}
	return versions, nil
}

// AttachJiraTicket uploads a diagnostic snapshot zip to a Jira ticket via
// multipart POST (spec §6, used by internal/diagnostics).
func (c *Client) AttachJiraTicket(ctx context.Context, ticket string, filename string, zipData []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("cloud: create multipart field: %w", err)
	}
	if _, err := part.Write(zipData); err != nil {
		return fmt.Errorf("cloud: write multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("cloud: close multipart writer: %w", err)
	}

	path := fmt.Sprintf("support/jira-tickets/%s/attach", ticket)
	req, err := c.newRequest(ctx, http.MethodPost, c.versionedPath("v3", path), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cloud: jira attach returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) versionedPath(apiVersion, path string) string {
	return fmt.Sprintf("%s/api/%s/%s", c.baseURL, apiVersion, path)
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("cloud: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("cloud: rate limiter wait: %w", err)
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud: request failed: %w", err)
	}
	return resp, nil
}

// doWithFallback implements the v3→v1 fallback quirk: any 404 from the v3
// endpoint is retried once against the equivalent v1 path when
// fallback404 is enabled (the default, per the spec's explicit instruction
// to preserve this even though it can mask unrelated 404s). With
// fallback404 disabled only the manifest endpoint falls back.
func (c *Client) doWithFallback(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	resp, err := c.doVersioned(ctx, method, "v3", path, body)
	if err != nil {
		return nil, err
	}
	fallback := c.fallback404 || strings.Contains(path, "/manifest")
	if resp.StatusCode == http.StatusNotFound && fallback {
		resp.Body.Close()
		c.logger.DebugContext(ctx, "v3 404, retrying against v1", "path", path)
		return c.doVersioned(ctx, method, "v1", path, body)
	}
	return resp, nil
}

func (c *Client) doVersioned(ctx context.Context, method, apiVersion, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, method, c.versionedPath(apiVersion, path), reader)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

// Reachable issues a lightweight GET against the versions endpoint to
// preflight connectivity before a cycle begins.
func (c *Client) Reachable(ctx context.Context) bool {
	resp, err := c.doWithFallback(ctx, http.MethodGet, "versions", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// ProbeContentLength issues a byte-range 0-0 GET to learn a download's
// total size without fetching its body, used by internal/admission (C5).
func (c *Client) ProbeContentLength(ctx context.Context, url, token string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("cloud: build probe request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		var total int64
		if _, err := fmt.Sscanf(cr, "bytes 0-0/%d", &total); err == nil {
			return total, nil
		}
	}
	return resp.ContentLength, nil
}
