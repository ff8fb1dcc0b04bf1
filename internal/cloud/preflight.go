package cloud

import (
	"context"
	"net"
	"net/url"
	"time"
)

// PreflightReachable is the ARP/route-reachability supplement recovered from
// original_source/src/utils/{arp_scan,network_utils}.rs (SPEC_FULL.md §4): a
// cheap TCP dial to the control-plane host, tried before the orchestrator
// acquires identity, so an unreachable network short-circuits straight to a
// retry instead of letting a full HTTP request chew through its own
// connect/TLS timeout. rawURL is the configured cloud base URL; a malformed
// URL is treated as reachable (acquiring identity will surface the real
// error with a clearer message than this pre-check could).
func PreflightReachable(ctx context.Context, rawURL string, timeout time.Duration) bool {
	hostport, ok := hostPortOf(rawURL)
	if !ok {
		return true
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func hostPortOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Port() != "" {
		return u.Host, true
	}
	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443"), true
	case "http", "":
		return net.JoinHostPort(u.Hostname(), "80"), true
	default:
		return u.Host, true
	}
}
