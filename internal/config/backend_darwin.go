//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const secretStoreName = "the macOS Keychain (service querysmith)"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "querysmith-data"
	}
	return filepath.Join(home, "Library", "Application Support", "querysmith")
}

// defaultsBackend stores settings in the com.querysmith.app domain through
// defaults(1). Dotted keys are stored verbatim.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return defaultsBackend{domain: "com.querysmith.app"}
}

// run invokes defaults with verb, the domain and args, returning trimmed
// combined output.
func (b defaultsBackend) run(verb string, args ...string) (string, error) {
	out, err := exec.Command("defaults", append([]string{verb, b.domain}, args...)...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("defaults %s %s: %w: %s", verb, strings.Join(args, " "), err, text)
	}
	return text, nil
}

// A missing key makes `defaults read` exit 1.
func (b defaultsBackend) GetString(key string) (string, bool, error) {
	val, err := b.run("read", key)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (b defaultsBackend) GetInt(key string) (int, bool, error) {
	val, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid integer %q", key, val)
	}
	return i, true, nil
}

func (b defaultsBackend) SetString(key, val string) error {
	_, err := b.run("write", key, "-string", val)
	return err
}

func (b defaultsBackend) SetInt(key string, val int) error {
	_, err := b.run("write", key, "-int", strconv.Itoa(val))
	return err
}

func (b defaultsBackend) Delete(key string) error {
	_, err := b.run("delete", key)
	return err
}
