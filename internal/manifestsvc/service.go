// Package manifestsvc implements the C2 Manifest Service: building the
// desired/installed manifest from the persisted hash table and the
// hardcoded seed, merging cloud responses into it, and persisting the
// result atomically.
package manifestsvc

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/alexlavriv/ota-agent/internal/cloud"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/alexlavriv/ota-agent/pkg/semver"
)

// Service owns manifest construction and persistence; it is stateless
// beyond the filesystem capability it's handed.
type Service struct {
	fs platform.FileSystem
}

// New returns a manifest Service backed by fs.
func New(fs platform.FileSystem) *Service {
	return &Service{fs: fs}
}

// Build loads the hash file (falling back to an empty table on parse
// error), migrates any legacy unprefixed bucket, seeds every known
// component from the hardcoded template, overlays each component's checksum
// from the correct bucket of the hash table, marks it Updated and sets its
// previous-install path (spec §4.2 build). Versions are not restored.
func (s *Service) Build(operator bool, hashPath, previousRoot, serverName string) (*model.Manifest, error) {
	hm, err := s.loadHashManifest(hashPath)
	if err != nil {
		return nil, err
	}

	scope := model.ScopeFor(operator, serverName)
	hm.MigrateLegacyScope(serverName, scope)

	seed, err := model.LoadSeed()
	if err != nil {
		return nil, fmt.Errorf("manifestsvc: load seed: %w", err)
	}

	m := &model.Manifest{
		ServerName:           serverName,
		Operator:             operator,
		Version:              "",
		Components:           make(map[model.Name]model.Component, len(seed)),
		HashManifest:         hm,
		PreviousInstallPath:  previousRoot,
	}

	for name, c := range seed {
		bucketScope := scope
		if model.IsMetaComponent(name) {
			bucketScope = model.MetaServerScope
		}
		checksum := hm.Checksum(bucketScope, name)
		c.Checksum = checksum
		// Nothing is pending yet at build time; MergeCloud is what flips a
		// component to Updated=false when cloud wants it changed.
		c.Updated = true
		c.PreviousInstallPath = filepath.Join(previousRoot, string(bucketScope), string(name))
		m.Set(name, c)
	}

	return m, nil
}

func (s *Service) loadHashManifest(hashPath string) (*model.HashManifest, error) {
	if !s.fs.Exists(hashPath) {
		return model.NewHashManifest(), nil
	}
	data, err := s.fs.ReadFile(hashPath)
	if err != nil {
		return nil, fmt.Errorf("manifestsvc: read hash file: %w", err)
	}
	hm := model.NewHashManifest()
	if err := json.Unmarshal(data, hm); err != nil {
		// A corrupt hash file falls back to an empty table rather than
		// blocking the cycle; the next successful write repairs it.
		return model.NewHashManifest(), nil
	}
	return hm, nil
}

// MergeCloud applies a cloud manifest payload onto m per the merge rules in
// spec §4.2, including the self-update-priority short circuit.
func MergeCloud(m *model.Manifest, payload *cloud.ManifestPayload) *model.Manifest {
	result := m.Clone()
	result.Version = payload.Version

	if payload.Version == model.CloudVersionLocal && len(payload.MissingComponents) == 0 {
		return result
	}

	byName := make(map[model.Name]cloud.ManifestComponent, len(payload.MissingComponents))
	for _, desc := range payload.MissingComponents {
		byName[model.Name(desc.Component)] = desc
	}

	if agentDesc, ok := byName[model.PhantomAgent]; ok {
		local := result.Get(model.PhantomAgent)
		if semver.Less(local.Version, agentDesc.Version) {
			// Self-update strict priority: only the agent is touched.
			merged := local.Merge(descriptorToComponent(agentDesc))
			merged.Updated = false
			result.Set(model.PhantomAgent, merged)
			return result
		}
	}

	for name, local := range result.Components {
		desc, listed := byName[name]
		if listed {
			if shouldMergeDescriptor(name, local, desc) {
				merged := local.Merge(descriptorToComponent(desc))
				merged.Updated = false
				result.Set(name, merged)
			}
			continue
		}
		if local.CurrentlyInstalled() {
			local.Updated = false
			local.Link = ""
			local.Path = ""
			local.Token = ""
			result.Set(name, local)
		}
	}

	return result
}

// shouldMergeDescriptor implements the per-component decision rule: the
// agent never merges in this non-agent-only branch (self-update always
// takes the short-circuit above or nothing at all); the launcher and the
// logging tool merge on strictly-increased version; everything else merges
// on checksum difference.
func shouldMergeDescriptor(name model.Name, local model.Component, desc cloud.ManifestComponent) bool {
	switch name {
	case model.PhantomAgent:
		return false
	case model.PhantomLauncher, model.Log2Jira:
		return semver.Less(local.Version, desc.Version)
	default:
		return local.Checksum != desc.Checksum
	}
}

func descriptorToComponent(desc cloud.ManifestComponent) model.Component {
	return model.Component{
		Name:        model.Name(desc.Component),
		Version:     desc.Version,
		Checksum:    desc.Checksum,
		Link:        desc.Link,
		Token:       desc.Token,
		PackageType: desc.PackageType,
	}
}

// PurgeForCurrentScope marks every currently installed component in the
// manifest's own server bucket as to-uninstall, and clears that bucket
// (spec §4.2, used for forced refresh and factory reset).
func PurgeForCurrentScope(m *model.Manifest) *model.Manifest {
	result := m.Clone()
	scope := result.Scope()
	for name, c := range result.Components {
		if model.IsMetaComponent(name) {
			continue
		}
		if c.CurrentlyInstalled() {
			c.Updated = false
			c.Link = ""
			c.Path = ""
			c.Token = ""
			result.Set(name, c)
		}
	}
	result.HashManifest.PurgeScope(scope)
	return result
}

// SetPaths attaches downloaded file paths after the download engine
// succeeds.
func SetPaths(m *model.Manifest, paths map[model.Name]string) *model.Manifest {
	result := m.Clone()
	for name, path := range paths {
		c := result.Get(name)
		c.Path = path
		result.Set(name, c)
	}
	return result
}

// IsFullyInstalled delegates to model.Manifest.IsFullyInstalled, exposed
// here as a Service-level operation for symmetry with the spec's API list.
func IsFullyInstalled(m *model.Manifest) bool {
	return m.IsFullyInstalled()
}

// Write rewrites the hash file from the merged component state (updated
// components contribute their new checksum; uninstalled components are
// absent from their bucket) and the versions file mapping server_name to
// manifest version. Both writes are atomic (temp file + rename).
func (s *Service) Write(m *model.Manifest, hashPath, versionsPath string) error {
	for name, c := range m.Components {
		scope := m.ScopeForComponent(name)
		if c.Updated && c.CurrentlyInstalled() {
			m.HashManifest.SetChecksum(scope, name, c.Checksum)
		} else if c.Updated && !c.CurrentlyInstalled() {
			m.HashManifest.RemoveChecksum(scope, name)
		}
	}

	data, err := json.Marshal(m.HashManifest)
	if err != nil {
		return fmt.Errorf("manifestsvc: marshal hash manifest: %w", err)
	}
	// A write failure here is fatal to the process (spec §7 policy 5): the
	// only way to preserve "checksum nonempty iff installed" is to refuse
	// to continue rather than proceed with a stale on-disk hash table.
	if err := s.fs.WriteFileAtomic(hashPath, data, 0o644); err != nil {
		panic(fmt.Sprintf("manifestsvc: hash file write failed, refusing to continue: %v", err))
	}

	versions, err := s.loadVersions(versionsPath)
	if err != nil {
		return err
	}
	versions[m.ServerName] = m.Version
	versionsData, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("manifestsvc: marshal versions file: %w", err)
	}
	if err := s.fs.WriteFileAtomic(versionsPath, versionsData, 0o644); err != nil {
		return fmt.Errorf("manifestsvc: write versions file: %w", err)
	}
	return nil
}

func (s *Service) loadVersions(path string) (map[string]string, error) {
	if !s.fs.Exists(path) {
		return make(map[string]string), nil
	}
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifestsvc: read versions file: %w", err)
	}
	versions := make(map[string]string)
	if err := json.Unmarshal(data, &versions); err != nil {
		return make(map[string]string), nil
	}
	return versions, nil
}
