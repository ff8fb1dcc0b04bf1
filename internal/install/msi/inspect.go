package msi

import (
	"context"
	"fmt"
	"strings"

	"github.com/alexlavriv/ota-agent/internal/platform"
)

// CommandInspector shells out to msiexec's read-only property export to
// learn an MSI's ProductName/ProductVersion/ProductCode without linking a
// full MSI-parsing library (none of the corpus dependencies cover the MSI
// binary format; the Windows SDK's own msiexec is the canonical reader).
type CommandInspector struct {
	runner platform.CommandRunner
}

// NewCommandInspector returns an Inspector backed by runner.
func NewCommandInspector(runner platform.CommandRunner) *CommandInspector {
	return &CommandInspector{runner: runner}
}

func (i *CommandInspector) Inspect(ctx context.Context, path string) (name, version, productCode string, err error) {
	out, err := i.runner.Run(ctx, "msiexec-query", path, "ProductName", "ProductVersion", "ProductCode")
	if err != nil {
		return "", "", "", fmt.Errorf("msi: inspect %s: %w", path, err)
	}
	fields := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(fields) != 3 {
		return "", "", "", fmt.Errorf("msi: unexpected inspect output for %s: %q", path, out)
	}
	return strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1]), strings.TrimSpace(fields[2]), nil
}
