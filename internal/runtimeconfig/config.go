package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type FileConfig struct {
	Path   string
	Values map[string]string
}

func DefaultHomeDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory failed: %w", err)
	}
	return filepath.Join(homeDir, ".proofsh"), nil
}

func DefaultConfigPath() (string, error) {
	homeDir, err := DefaultHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, "config.yaml"), nil
}

// Load reads a flat YAML mapping of setting keys to scalar values. A missing file is
// an empty config, not an error.
func Load(path string) (FileConfig, error) {
	configPath := strings.TrimSpace(path)
	if configPath == "" {
		resolvedPath, err := DefaultConfigPath()
		if err != nil {
			return FileConfig{}, err
		}
		configPath = resolvedPath
	}
	values := map[string]string{}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{Path: configPath, Values: values}, nil
		}
		return FileConfig{}, fmt.Errorf("open config failed: %w", err)
	}

	parsed := map[string]any{}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return FileConfig{}, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	for key, value := range parsed {
		normalizedKey := strings.TrimSpace(key)
		if normalizedKey == "" || value == nil {
			continue
		}
		switch value.(type) {
		case map[string]any, []any:
			return FileConfig{}, fmt.Errorf("invalid config %s: key %q must be a scalar", configPath, normalizedKey)
		}
		values[normalizedKey] = strings.TrimSpace(fmt.Sprint(value))
	}
	return FileConfig{Path: configPath, Values: values}, nil
}

func Save(config FileConfig) error {
	if strings.TrimSpace(config.Path) == "" {
		return fmt.Errorf("config path is required")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o700); err != nil {
		return fmt.Errorf("create config directory failed: %w", err)
	}
	keys := make([]string, 0, len(config.Values))
	for key := range config.Values {
		if strings.TrimSpace(key) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	document := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range keys {
		document.Content = append(document.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: strings.TrimSpace(key)},
			&yaml.Node{Kind: yaml.ScalarNode, Value: strings.TrimSpace(config.Values[key])},
		)
	}
	document.HeadComment = "proofsh runtime config"
	content, err := yaml.Marshal(document)
	if err != nil {
		return fmt.Errorf("encode config failed: %w", err)
	}
	if err := os.WriteFile(config.Path, content, 0o600); err != nil {
		return fmt.Errorf("write config failed: %w", err)
	}
	return nil
}

func ResolveString(key string, defaults map[string]string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	if defaults == nil {
		return ""
	}
	return strings.TrimSpace(defaults[key])
}

func ResolveBool(key string, defaults map[string]string) bool {
	raw := ResolveString(key, defaults)
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ResolveBoolDefault is ResolveBool for settings that are on unless explicitly disabled.
func ResolveBoolDefault(key string, defaults map[string]string, fallback bool) bool {
	raw := strings.ToLower(ResolveString(key, defaults))
	switch raw {
	case "":
		return fallback
	case "0", "false", "no", "off":
		return false
	default:
		return ResolveBool(key, defaults)
	}
}

func ResolveInt(key string, defaults map[string]string, fallback int) (int, error) {
	raw := ResolveString(key, defaults)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %d", key, parsed)
	}
	return parsed, nil
}

// ResolveDuration accepts a bare integer as seconds or any time.ParseDuration string.
func ResolveDuration(key string, defaults map[string]string, fallback time.Duration) (time.Duration, error) {
	raw := ResolveString(key, defaults)
	if raw == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("%s: must be positive, got %d", key, seconds)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, parsed)
	}
	return parsed, nil
}

// ResolveBytes parses sizes such as "6g" or "512m" the way docker does.
func ResolveBytes(key string, defaults map[string]string, fallback string) (int64, error) {
	raw := ResolveString(key, defaults)
	if raw == "" {
		raw = fallback
	}
	parsed, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", key, raw, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %q", key, raw)
	}
	return parsed, nil
}
