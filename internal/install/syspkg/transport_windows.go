//go:build windows

package syspkg

import (
	"net/http"
	"time"
)

// NewLocalTransport returns the production Doer for Windows: a plain HTTP
// client against the local co-process that fronts the package daemon
// protocol (spec §4.4: "Windows variant defers to a local co-process via
// HTTP").
func NewLocalTransport(coprocessAddr string) *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// DefaultBaseURL is the base URL used against the local co-process, e.g.
// "http://127.0.0.1:30010/".
const DefaultBaseURL = "http://127.0.0.1:30010/"
