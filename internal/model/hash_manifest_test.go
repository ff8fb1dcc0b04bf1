package model_test

import (
	"encoding/json"
	"testing"

	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashManifest_RoundTrip(t *testing.T) {
	h := model.NewHashManifest()
	h.SetChecksum(model.MetaServerScope, model.PhantomAgent, "abc123")
	h.SetChecksum("V_host1", model.SimGPSInfo, "2bd0d96")

	data, err := json.Marshal(h)
	require.NoError(t, err)

	reloaded := model.NewHashManifest()
	require.NoError(t, json.Unmarshal(data, reloaded))

	assert.True(t, h.Equal(reloaded))
}

func TestHashManifest_MigrateLegacyScope(t *testing.T) {
	h := model.NewHashManifest()
	h.SetChecksum("myhost", model.Core, "legacy-checksum")

	h.MigrateLegacyScope("myhost", "V_myhost")

	assert.Equal(t, "legacy-checksum", h.Checksum("V_myhost", model.Core))
	_, stillPresent := h.Scopes["myhost"]
	assert.False(t, stillPresent)
}

func TestHashManifest_MigrateLegacyScope_DoesNotClobberPrefixed(t *testing.T) {
	h := model.NewHashManifest()
	h.SetChecksum("myhost", model.Core, "legacy-checksum")
	h.SetChecksum("V_myhost", model.Core, "fresh-checksum")

	h.MigrateLegacyScope("myhost", "V_myhost")

	assert.Equal(t, "fresh-checksum", h.Checksum("V_myhost", model.Core))
}

func TestHashManifest_PurgeScope(t *testing.T) {
	h := model.NewHashManifest()
	h.SetChecksum("V_host1", model.Core, "c1")
	h.SetChecksum(model.MetaServerScope, model.PhantomAgent, "meta")

	h.PurgeScope("V_host1")

	assert.Empty(t, h.Bucket("V_host1"))
	assert.Equal(t, "meta", h.Checksum(model.MetaServerScope, model.PhantomAgent))
}

func TestHashManifest_PurgeAll(t *testing.T) {
	h := model.NewHashManifest()
	h.SetChecksum("V_host1", model.Core, "c1")
	h.PurgeAll()
	assert.Empty(t, h.Scopes)
}

func TestScopeRole(t *testing.T) {
	host, operator, ok := model.ScopeRole("V_host1")
	require.True(t, ok)
	assert.Equal(t, "host1", host)
	assert.False(t, operator)

	host, operator, ok = model.ScopeRole("O_host2")
	require.True(t, ok)
	assert.Equal(t, "host2", host)
	assert.True(t, operator)

	_, _, ok = model.ScopeRole(model.MetaServerScope)
	assert.False(t, ok)
}
