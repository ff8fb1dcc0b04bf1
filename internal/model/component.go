// Package model holds the OTA agent's data model: components, the desired
// manifest, and the persisted hash table that survives restarts.
package model

// Name enumerates the fixed set of components the agent is able to manage.
// The agent itself is a named component so it can be reconciled like any
// other (with self-update priority, see manifestsvc.MergeCloud).
type Name string

const (
	Core            Name = "core"
	PhantomAgent    Name = "phantom_agent"
	PhantomLauncher Name = "phantom_launcher"
	Translator      Name = "translator"
	VApp            Name = "vapp"
	StreamManager   Name = "stream_manager"
	SDKDemo         Name = "sdk_demo"
	OdenPlayer      Name = "oden_player"
	OdenStreamer    Name = "oden_streamer"
	OdenPlugin      Name = "oden_plugin"
	OdenWebview     Name = "oden_webview"
	SimGPSInfo      Name = "sim_gps_info"
	AutonomyClient  Name = "autonomy_client"
	Log2Jira        Name = "log2jira"
)

// AllNames lists every component the hardcoded seed manifest knows about, in
// a stable order used when constructing a fresh manifest.
var AllNames = []Name{
	PhantomAgent,
	PhantomLauncher,
	Core,
	Translator,
	VApp,
	StreamManager,
	SDKDemo,
	OdenPlayer,
	OdenStreamer,
	OdenPlugin,
	OdenWebview,
	SimGPSInfo,
	AutonomyClient,
	Log2Jira,
}

// PackageType identifies which installer implementation handles a component.
type PackageType string

const (
	PackageSystemPackage    PackageType = "system-package"
	PackageArchive          PackageType = "archive"
	PackageWindowsInstaller PackageType = "windows-installer"
	PackageDebian           PackageType = "debian-package"
)

// Component is the unit of install. Zero value represents a component that
// the agent has never seen installed (empty Checksum).
type Component struct {
	Name        Name   `json:"name"`
	Version     string `json:"version"`
	Checksum    string `json:"checksum"`
	Updated     bool   `json:"updated"`
	Path        string `json:"path,omitempty"`
	Link        string `json:"link,omitempty"`
	Token       string `json:"token,omitempty"`
	TargetPath  string `json:"target_path,omitempty"`

	// PreviousInstallPath is the directory under which the last successful
	// installer artifact for this component is kept, enabling rollback.
	PreviousInstallPath string `json:"previous_install_path,omitempty"`

	// Processes lists the process names that must be terminated before the
	// component is replaced.
	Processes []string `json:"processes,omitempty"`

	PackageType PackageType `json:"package_type,omitempty"`
}

// CurrentlyInstalled reports invariant 1: a nonempty checksum means the
// agent believes the component is installed.
func (c Component) CurrentlyInstalled() bool {
	return c.Checksum != ""
}

// ShouldInstall reports whether the component needs a download+install pass.
func (c Component) ShouldInstall() bool {
	return !c.Updated && c.Path != ""
}

// ShouldUninstall reports whether the component needs to be removed.
func (c Component) ShouldUninstall() bool {
	return !c.Updated && c.Path == ""
}

// HasRemote reports whether cloud advertised a downloadable copy.
func (c Component) HasRemote() bool {
	return c.Link != ""
}

// IsArchive reports whether this component installs via the archive format.
func (c Component) IsArchive() bool {
	return c.PackageType == PackageArchive
}

// Merge implements the Component addition algebra from the manifest
// service's merge rules: every field of other wins except
//   - TargetPath: other's wins only if nonempty
//   - Processes: other's wins only if nonempty
//   - PreviousInstallPath: c's wins unless c's is empty
//
// Deliberately hand-written rather than mergo-backed: mergo's WithOverride
// only replaces a non-zero destination field when the source field is also
// non-zero, so it cannot express "every other field takes other's value
// unconditionally, including zero values like Updated=false".
func (c Component) Merge(other Component) Component {
	result := other
	result.TargetPath = firstNonEmpty(other.TargetPath, c.TargetPath)
	if len(other.Processes) == 0 {
		result.Processes = c.Processes
	}
	result.PreviousInstallPath = firstNonEmpty(c.PreviousInstallPath, other.PreviousInstallPath)
	return result
}

func firstNonEmpty(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}
