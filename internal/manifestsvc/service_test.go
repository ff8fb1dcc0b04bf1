package manifestsvc_test

import (
	"encoding/json"
	"testing"

	"github.com/alexlavriv/ota-agent/internal/cloud"
	"github.com/alexlavriv/ota-agent/internal/manifestsvc"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_SeedsFromHashTable(t *testing.T) {
	fs := platform.NewMemFileSystem()
	hm := model.NewHashManifest()
	hm.SetChecksum("V_host1", model.Core, "abcd")
	data, err := json.Marshal(hm)
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile("/state/hash_manifest", data, 0o644))

	svc := manifestsvc.New(fs)
	m, err := svc.Build(false, "/state/hash_manifest", "/state/previous", "host1")
	require.NoError(t, err)

	assert.Equal(t, "abcd", m.Get(model.Core).Checksum)
	assert.True(t, m.Get(model.Core).Updated)
	assert.True(t, m.IsFullyInstalled())
}

func TestBuild_MissingHashFileYieldsEmptyManifest(t *testing.T) {
	fs := platform.NewMemFileSystem()
	svc := manifestsvc.New(fs)

	m, err := svc.Build(false, "/state/hash_manifest", "/state/previous", "host1")
	require.NoError(t, err)
	assert.Equal(t, "", m.Get(model.Core).Checksum)
}

func TestMergeCloud_FreshInstall(t *testing.T) {
	fs := platform.NewMemFileSystem()
	svc := manifestsvc.New(fs)
	m, err := svc.Build(false, "/state/hash_manifest", "/state/previous", "host1")
	require.NoError(t, err)

	payload := &cloud.ManifestPayload{
		Version: "3.0.4",
		MissingComponents: []cloud.ManifestComponent{
			{Component: "sim_gps_info", Checksum: "2bd0d96", Version: "3.0.4", Link: "https://x/file", Token: "tok"},
		},
	}
	merged := manifestsvc.MergeCloud(m, payload)

	c := merged.Get(model.SimGPSInfo)
	assert.False(t, c.Updated)
	assert.Equal(t, "https://x/file", c.Link)
	assert.False(t, merged.IsFullyInstalled())
}

func TestMergeCloud_LocalVersionWithoutComponentsSkipsMerge(t *testing.T) {
	fs := platform.NewMemFileSystem()
	hm := model.NewHashManifest()
	hm.SetChecksum("V_host1", model.Core, "abcd")
	data, _ := json.Marshal(hm)
	fs.WriteFile("/state/hash_manifest", data, 0o644)

	svc := manifestsvc.New(fs)
	m, err := svc.Build(false, "/state/hash_manifest", "/state/previous", "host1")
	require.NoError(t, err)

	payload := &cloud.ManifestPayload{Version: "local"}
	merged := manifestsvc.MergeCloud(m, payload)
	assert.True(t, merged.IsFullyInstalled())
}

func TestMergeCloud_Removal(t *testing.T) {
	fs := platform.NewMemFileSystem()
	hm := model.NewHashManifest()
	hm.SetChecksum("V_host1", model.Translator, "9876")
	hm.SetChecksum("V_host1", model.Core, "abcd")
	data, _ := json.Marshal(hm)
	fs.WriteFile("/state/hash_manifest", data, 0o644)

	svc := manifestsvc.New(fs)
	m, err := svc.Build(false, "/state/hash_manifest", "/state/previous", "host1")
	require.NoError(t, err)

	payload := &cloud.ManifestPayload{
		Version: "1.0.0",
		MissingComponents: []cloud.ManifestComponent{
			{Component: "core", Checksum: "abcd"},
		},
	}
	merged := manifestsvc.MergeCloud(m, payload)

	assert.True(t, merged.Get(model.Core).Updated)
	translator := merged.Get(model.Translator)
	assert.False(t, translator.Updated)
	assert.True(t, translator.ShouldUninstall())
}

func TestMergeCloud_SelfUpdatePriority(t *testing.T) {
	fs := platform.NewMemFileSystem()
	hm := model.NewHashManifest()
	hm.SetChecksum(model.MetaServerScope, model.PhantomAgent, "agentchk")
	data, _ := json.Marshal(hm)
	fs.WriteFile("/state/hash_manifest", data, 0o644)

	svc := manifestsvc.New(fs)
	m, err := svc.Build(false, "/state/hash_manifest", "/state/previous", "host1")
	require.NoError(t, err)
	agent := m.Get(model.PhantomAgent)
	agent.Version = "1.2.0"
	m.Set(model.PhantomAgent, agent)

	payload := &cloud.ManifestPayload{
		Version: "1.3.0",
		MissingComponents: []cloud.ManifestComponent{
			{Component: "phantom_agent", Version: "1.3.0", Checksum: "newagentchk", Link: "https://x/agent"},
			{Component: "oden_plugin", Checksum: "newpluginchk", Link: "https://x/plugin"},
		},
	}
	merged := manifestsvc.MergeCloud(m, payload)

	assert.False(t, merged.Get(model.PhantomAgent).Updated)
	assert.True(t, merged.Get(model.OdenPlugin).Updated, "self-update priority must leave every other component untouched")
}

func TestPurgeForCurrentScope(t *testing.T) {
	fs := platform.NewMemFileSystem()
	hm := model.NewHashManifest()
	hm.SetChecksum("V_host1", model.Core, "abcd")
	data, _ := json.Marshal(hm)
	fs.WriteFile("/state/hash_manifest", data, 0o644)

	svc := manifestsvc.New(fs)
	m, err := svc.Build(false, "/state/hash_manifest", "/state/previous", "host1")
	require.NoError(t, err)

	purged := manifestsvc.PurgeForCurrentScope(m)
	assert.False(t, purged.Get(model.Core).Updated)
	assert.Empty(t, purged.HashManifest.Bucket("V_host1"))
}

func TestWrite_PersistsHashAndVersions(t *testing.T) {
	fs := platform.NewMemFileSystem()
	svc := manifestsvc.New(fs)
	m, err := svc.Build(false, "/state/hash_manifest", "/state/previous", "host1")
	require.NoError(t, err)

	c := m.Get(model.SimGPSInfo)
	c.Checksum = "2bd0d96"
	c.Updated = true
	m.Set(model.SimGPSInfo, c)
	m.Version = "3.0.4"

	require.NoError(t, svc.Write(m, "/state/hash_manifest", "/state/versions"))

	reloaded, err := svc.Build(false, "/state/hash_manifest", "/state/previous", "host1")
	require.NoError(t, err)
	assert.Equal(t, "2bd0d96", reloaded.Get(model.SimGPSInfo).Checksum)
}
