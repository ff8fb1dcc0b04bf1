//go:build windows

package msi

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

// WindowsRegistry implements Registry against the real Windows registry,
// under the Uninstall key every MSI product registers itself beneath.
type WindowsRegistry struct{}

const uninstallKeyPrefix = `SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall\`

func (WindowsRegistry) ReadVersion(productCode string) (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, uninstallKeyPrefix+productCode, registry.QUERY_VALUE)
	if err != nil {
		return "", fmt.Errorf("msi: open registry key for %s: %w", productCode, err)
	}
	defer k.Close()

	v, _, err := k.GetStringValue("DisplayVersion")
	if err != nil {
		return "", fmt.Errorf("msi: read DisplayVersion for %s: %w", productCode, err)
	}
	return v, nil
}

func (WindowsRegistry) RemoveSubtree(productCode string) error {
	err := registry.DeleteKey(registry.LOCAL_MACHINE, uninstallKeyPrefix+productCode)
	if err != nil && err != registry.ErrNotExist {
		return fmt.Errorf("msi: delete registry subtree for %s: %w", productCode, err)
	}
	return nil
}
