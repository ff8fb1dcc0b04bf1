package orchestrator

import "context"

// LocalPeer is the neighboring-process contract consumed by RunOnce (spec
// §4.1 step 7, §6 "Local peer HTTP"). internal/peer.Client satisfies this
// against the real HTTP endpoint; tests substitute a fake.
type LocalPeer interface {
	// HasConnectedSession reports whether the peer is actively serving a
	// session; a true result defers this cycle to ActionRetry.
	HasConnectedSession(ctx context.Context) (bool, error)
	// NotifyInstallSnap tells the peer a component was (re)installed.
	NotifyInstallSnap(ctx context.Context, component, version string) error
	// NotifyManifestVersion tells the peer the manifest advanced to version.
	NotifyManifestVersion(ctx context.Context, version string) error
}

// ClockTrust is the supplemented NTP-drift capability (SPEC_FULL.md §4): a
// boolean "is the clock trustworthy" verdict that the install engine
// (install.ClockTrust, same method set) consults before trusting a
// previous-install snapshot's staleness TTL check. The agent does
// not implement NTP sync itself (spec §1 peripheral exclusion) — only this
// verdict, produced out-of-process by whatever NTP loop the supervisor runs.
type ClockTrust interface {
	Trusted() bool
}

// AlwaysTrusted is the default ClockTrust used when no NTP loop is wired
// (e.g. in tests, or a deployment that disables the staleness check).
type AlwaysTrusted struct{}

func (AlwaysTrusted) Trusted() bool { return true }
