//go:build darwin

package config

import (
	"bytes"
	"fmt"
	"os/exec"
)

// security(1) prints the password followed by a newline with -w.
func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return nil, fmt.Errorf("keychain %s/%s: %w", service, account, err)
	}
	return bytes.TrimRight(out, "\n"), nil
}

// -U updates an existing item in place.
func keychainSet(service, account, value string) error {
	if err := exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).Run(); err != nil {
		return fmt.Errorf("keychain %s/%s: %w", service, account, err)
	}
	return nil
}
