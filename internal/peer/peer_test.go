package peer_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexlavriv/ota-agent/internal/peer"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHasConnectedSession_True(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"node_status": "connected"}})
	}))
	defer srv.Close()

	c := peer.New(srv.URL+"/", time.Second, testLogger())
	connected, err := c.HasConnectedSession(context.Background())
	require.NoError(t, err)
	require.True(t, connected)
}

func TestHasConnectedSession_False(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"node_status": "idle"}})
	}))
	defer srv.Close()

	c := peer.New(srv.URL+"/", time.Second, testLogger())
	connected, err := c.HasConnectedSession(context.Background())
	require.NoError(t, err)
	require.False(t, connected)
}

func TestNotifyManifestVersion_PostsJSON(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/manifest_version", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := peer.New(srv.URL+"/", time.Second, testLogger())
	require.NoError(t, c.NotifyManifestVersion(context.Background(), "3.1.0"))
	require.Equal(t, "3.1.0", gotBody["version"])
}

func TestNotifyInstallSnap_ErrorStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := peer.New(srv.URL+"/", time.Second, testLogger())
	err := c.NotifyInstallSnap(context.Background(), "core", "1.2.3")
	require.Error(t, err)
}
