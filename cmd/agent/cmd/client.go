package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alexlavriv/ota-agent/internal/config"
)

// localListenerURL builds the base URL of this host's own command
// listener from the resolved configuration (phantom_agent run binds
// 127.0.0.1:<listener.port>; the CLI subcommands below are a thin client
// against that same local surface).
func localListenerURL(cfg *config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Listener.Port)
}

func loadCLIConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// postLocal POSTs to one of the listener's command endpoints and returns
// its decoded JSON body.
func postLocal(cfg *config.Config, path string) (map[string]any, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(localListenerURL(cfg)+path, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeJSONBody(resp)
}

func getLocal(cfg *config.Config, path string) (map[string]any, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(localListenerURL(cfg) + path)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeJSONBody(resp)
}

func decodeJSONBody(resp *http.Response) (map[string]any, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("listener returned %s: %s", resp.Status, string(body))
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}
