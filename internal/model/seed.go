package model

import (
	_ "embed"

	"gopkg.in/yaml.v3"
)

// seedYAML is the hardcoded per-platform default manifest — data, not logic
// (spec §1 Out-of-scope). It is a YAML asset embedded at build time, so
// per-platform process lists and package types change without a code
// change but do need a rebuild.
//
//go:embed seed.yaml
var seedYAML []byte

// seedEntry mirrors one line of the bundled seed file.
type seedEntry struct {
	Name        Name        `yaml:"name"`
	TargetPath  string      `yaml:"target_path,omitempty"`
	Processes   []string    `yaml:"processes,omitempty"`
	PackageType PackageType `yaml:"package_type"`
}

// LoadSeed parses the bundled seed asset into a name-indexed set of empty
// (not-yet-installed) components, ready to be overlaid with hash-table
// state by manifestsvc.Build.
func LoadSeed() (map[Name]Component, error) {
	var entries []seedEntry
	if err := yaml.Unmarshal(seedYAML, &entries); err != nil {
		return nil, err
	}
	out := make(map[Name]Component, len(entries))
	for _, e := range entries {
		out[e.Name] = Component{
			Name:        e.Name,
			TargetPath:  e.TargetPath,
			Processes:   e.Processes,
			PackageType: e.PackageType,
		}
	}
	return out, nil
}
