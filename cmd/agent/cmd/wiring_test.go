package cmd

import (
	"log/slog"
	"testing"

	"github.com/alexlavriv/ota-agent/internal/config"
	"github.com/alexlavriv/ota-agent/internal/platform"
)

func TestBuildAgent_WiresEveryCollaborator(t *testing.T) {
	cfg := config.Defaults()
	cfg.BaseDir = t.TempDir()
	cfg.Listener.Port = 0
	cfg.Listener.MetricsPort = 0
	cfg.History.SQLitePath = ""
	cfg.Cloud.URL = "http://127.0.0.1:1"

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	a, err := buildAgent(&cfg, logger, "1.0.0-test")
	if err != nil {
		t.Fatalf("buildAgent: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			t.Errorf("agent.Close: %v", err)
		}
	}()

	if a.Orchestrator == nil {
		t.Error("Orchestrator not wired")
	}
	if a.Listener == nil {
		t.Error("Listener not wired")
	}
	if a.Registry == nil {
		t.Error("Registry not wired")
	}
}

func TestAuthFileToken_MissingFile(t *testing.T) {
	fs := platform.NewMemFileSystem()
	if got := authFileToken(fs, "/nowhere/auth"); got != "" {
		t.Errorf("authFileToken for missing file = %q, want empty", got)
	}
}

func TestAuthFileToken_ReadsToken(t *testing.T) {
	fs := platform.NewMemFileSystem()
	if err := fs.WriteFile("/state/auth", []byte(`{"token":"secret-token","url":"https://example.invalid"}`), 0o600); err != nil {
		t.Fatalf("seed auth file: %v", err)
	}
	if got, want := authFileToken(fs, "/state/auth"), "secret-token"; got != want {
		t.Errorf("authFileToken = %q, want %q", got, want)
	}
}

// testWriter adapts *testing.T into an io.Writer so buildAgent's logger
// output lands in the test log instead of stdout.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
