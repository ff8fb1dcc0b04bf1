package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// AuthError is the error shape the identity-provider challenge/response
// exchange returns (spec §7). Network is retryable at the cycle level; the
// others are reported and the cycle continues to the next scheduled wake.
type AuthError struct {
	Kind    AuthErrorKind
	Message string
}

// AuthErrorKind enumerates the four auth failure kinds.
type AuthErrorKind string

const (
	AuthErrorNetwork  AuthErrorKind = "network"
	AuthErrorLicense  AuthErrorKind = "license"
	AuthErrorDecoding AuthErrorKind = "decoding"
	AuthErrorNotFound AuthErrorKind = "not_found"
)

func (e *AuthError) Error() string {
	return fmt.Sprintf("cloud: auth error (%s): %s", e.Kind, e.Message)
}

// Retryable reports whether the cycle should treat this as a transient
// condition worth retrying immediately (RETRY) rather than continuing to
// the next scheduled wake (CONTINUE).
func (e *AuthError) Retryable() bool {
	return e.Kind == AuthErrorNetwork
}

// Identity is what a successful challenge/response exchange yields: a
// bearer token, the control-plane URL to use, and the node's identity.
type Identity struct {
	Token      string `json:"token"`
	URL        string `json:"url"`
	ServerName string `json:"server_name"`
	Operator   bool   `json:"operator"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type validateResponse struct {
	Token string `json:"token"`
}

// RequestChallenge fetches a fresh auth challenge for licenseID (spec §6,
// GET requestChallenge?licenseId=...).
func (c *Client) RequestChallenge(ctx context.Context, licenseID string) (string, error) {
	path := fmt.Sprintf("requestChallenge?licenseId=%s", licenseID)
	req, err := c.newRequest(ctx, http.MethodGet, c.versionedPath("v3", path), nil)
	if err != nil {
		return "", &AuthError{Kind: AuthErrorNetwork, Message: err.Error()}
	}
	resp, err := c.send(req)
	if err != nil {
		return "", &AuthError{Kind: AuthErrorNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &AuthError{Kind: AuthErrorNotFound, Message: "license not found"}
	}

	var out challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &AuthError{Kind: AuthErrorDecoding, Message: err.Error()}
	}
	return out.Challenge, nil
}

// ValidateChallenge exchanges an HMAC response to the challenge for a
// bearer token (spec §6, POST validateChallenge).
func (c *Client) ValidateChallenge(ctx context.Context, licenseID, hmac string) (string, error) {
	body, err := json.Marshal(map[string]string{"hmac": hmac, "licenseId": licenseID})
	if err != nil {
		return "", &AuthError{Kind: AuthErrorDecoding, Message: err.Error()}
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.versionedPath("v3", "validateChallenge"), bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Kind: AuthErrorNetwork, Message: err.Error()}
	}
	resp, err := c.send(req)
	if err != nil {
		return "", &AuthError{Kind: AuthErrorNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", &AuthError{Kind: AuthErrorLicense, Message: "challenge rejected"}
	case http.StatusNotFound:
		return "", &AuthError{Kind: AuthErrorNotFound, Message: "license not found"}
	}

	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &AuthError{Kind: AuthErrorDecoding, Message: err.Error()}
	}
	return out.Token, nil
}
