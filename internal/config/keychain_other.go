//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// secrets maps service -> account -> value. Provider API keys live under
// "<provider>_api_key" and the REST bearer token under "api_token".
type secrets map[string]map[string]string

func secretsPath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func readSecrets(path string) (secrets, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return secrets{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	s := secrets{}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

func (s secrets) write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func keychainGet(service, account string) ([]byte, error) {
	s, err := readSecrets(secretsPath())
	if err != nil {
		return nil, err
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret %s/%s", service, account)
	}
	return []byte(val), nil
}

// keychainSet rewrites the whole file. A corrupt file is an error rather
// than silently replaced, so stored keys are never lost.
func keychainSet(service, account, value string) error {
	path := secretsPath()
	s, err := readSecrets(path)
	if err != nil {
		return err
	}
	if s[service] == nil {
		s[service] = map[string]string{}
	}
	s[service][account] = value
	return s.write(path)
}
