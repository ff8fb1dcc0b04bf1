//go:build !windows

package syspkg

import (
	"context"
	"net"
	"net/http"
	"time"
)

// NewLocalTransport returns the production Doer for Linux: an http.Client
// dialing the package daemon's Unix domain socket instead of TCP.
func NewLocalTransport(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 30 * time.Second,
	}
}

// DefaultBaseURL is the conventional base URL used against a Unix-socket
// transport (the host part is ignored by DialContext above).
const DefaultBaseURL = "http://unix/"
