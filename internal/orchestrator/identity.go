package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexlavriv/ota-agent/internal/cloud"
	"github.com/alexlavriv/ota-agent/internal/platform"
)

// IdentityProvider resolves the node's identity for one cycle: which cloud
// to talk to, the bearer token, and whether this endpoint is an operator or
// a vehicle (spec §4.1 step 2). A transient network failure must surface as
// a *cloud.AuthError with Kind == AuthErrorNetwork so RunOnce can map it to
// ActionRetry rather than ActionContinue.
type IdentityProvider interface {
	Acquire(ctx context.Context) (cloud.Identity, error)
}

// authFile is the on-disk shape of the `auth` marker (spec §6): an
// alternative to the license challenge/response exchange, used once a node
// has already paired.
type authFile struct {
	URL        string `json:"url"`
	Token      string `json:"token"`
	Version    string `json:"version"`
	ServerName string `json:"server_name"`
	Operator   bool   `json:"operator"`
}

// FileIdentityProvider reads the persisted `auth` file written by the
// (out-of-scope) pairing flow. It never performs a challenge/response
// exchange itself; spec.md explicitly scopes full license provisioning out
// (§1), but the persisted auth file's shape and the requirement that its
// absence be treated as a permanent (non-retryable) failure are in scope.
type FileIdentityProvider struct {
	fs   platform.FileSystem
	path string
}

// NewFileIdentityProvider returns an IdentityProvider backed by the auth
// file at path.
func NewFileIdentityProvider(fs platform.FileSystem, path string) *FileIdentityProvider {
	return &FileIdentityProvider{fs: fs, path: path}
}

func (p *FileIdentityProvider) Acquire(_ context.Context) (cloud.Identity, error) {
	if !p.fs.Exists(p.path) {
		return cloud.Identity{}, &cloud.AuthError{Kind: cloud.AuthErrorNotFound, Message: fmt.Sprintf("auth file not found at %s", p.path)}
	}
	data, err := p.fs.ReadFile(p.path)
	if err != nil {
		return cloud.Identity{}, &cloud.AuthError{Kind: cloud.AuthErrorNetwork, Message: err.Error()}
	}
	var raw authFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return cloud.Identity{}, &cloud.AuthError{Kind: cloud.AuthErrorDecoding, Message: err.Error()}
	}
	if raw.Token == "" || raw.ServerName == "" {
		return cloud.Identity{}, &cloud.AuthError{Kind: cloud.AuthErrorLicense, Message: "auth file missing token or server_name"}
	}
	return cloud.Identity{
		Token:      raw.Token,
		URL:        raw.URL,
		ServerName: raw.ServerName,
		Operator:   raw.Operator,
	}, nil
}
