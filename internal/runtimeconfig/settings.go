package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	KeyWorkspace       = "PROOFSH_WORKSPACE"
	KeyRunRoot         = "PROOFSH_RUN_ROOT"
	KeyRunTag          = "PROOFSH_RUN_TAG"
	KeyMaxBytes        = "PROOFSH_MAX_BYTES"
	KeySignal          = "PROOFSH_SIGNAL"
	KeySignalFile      = "PROOFSH_SIGNAL_FILE"
	KeySignalMaxBytes  = "PROOFSH_SIGNAL_MAX_BYTES"
	KeyMaxVerifyTries  = "PROOFSH_MAX_VERIFY_TRIES"
	KeyRequireApproval = "PROOFSH_REQUIRE_APPROVAL"
	KeyDocker          = "PROOFSH_DOCKER"
	KeyGit             = "PROOFSH_GIT"
	KeyKaniImage       = "PROOFSH_KANI_IMAGE"
	KeyKaniTimeout     = "PROOFSH_KANI_TIMEOUT"
	KeyKaniMemory      = "PROOFSH_KANI_MEMORY"
	KeyKaniCPUs        = "PROOFSH_KANI_CPUS"
	KeyKaniPids        = "PROOFSH_KANI_PIDS"
	KeyKaniTmpfs       = "PROOFSH_KANI_TMPFS"
	KeyKaniTTY         = "PROOFSH_KANI_TTY"
)

const (
	DefaultMaxBytes       = 200000
	DefaultSignalMaxBytes = 400000
	DefaultMaxVerifyTries = 3
	DefaultKaniImage      = "kani-runner:0.66"
	DefaultKaniTimeout    = 300 * time.Second
	DefaultKaniMemory     = "6g"
	DefaultKaniCPUs       = "2"
	DefaultKaniPids       = 512
	DefaultKaniTmpfs      = "1g"
)

// Keys lists every setting Resolve reads.
func Keys() []string {
	return []string{
		KeyWorkspace, KeyRunRoot, KeyRunTag, KeyMaxBytes, KeySignal, KeySignalFile,
		KeySignalMaxBytes, KeyMaxVerifyTries, KeyRequireApproval, KeyDocker, KeyGit,
		KeyKaniImage, KeyKaniTimeout, KeyKaniMemory, KeyKaniCPUs, KeyKaniPids,
		KeyKaniTmpfs, KeyKaniTTY,
	}
}

func IsKnownKey(key string) bool {
	for _, known := range Keys() {
		if known == key {
			return true
		}
	}
	return false
}

// Settings is the resolved configuration, built once at startup and passed down by value.
type Settings struct {
	WorkspaceDir    string        `yaml:"workspace"`
	RunRoot         string        `yaml:"run_root"`
	RunTag          string        `yaml:"run_tag,omitempty"`
	MaxWriteBytes   int           `yaml:"max_write_bytes"`
	SignalEnabled   bool          `yaml:"signal_enabled"`
	SignalFile      string        `yaml:"signal_file"`
	SignalMaxBytes  int           `yaml:"signal_max_bytes"`
	MaxVerifyTries  int           `yaml:"max_verify_tries"`
	RequireApproval bool          `yaml:"require_approval"`
	DockerBinary    string        `yaml:"docker"`
	GitBinary       string        `yaml:"git"`
	KaniImage       string        `yaml:"kani_image"`
	KaniTimeout     time.Duration `yaml:"kani_timeout"`
	KaniMemoryBytes int64         `yaml:"kani_memory_bytes"`
	KaniCPUs        string        `yaml:"kani_cpus"`
	KaniPidsLimit   int           `yaml:"kani_pids_limit"`
	KaniTmpfsBytes  int64         `yaml:"kani_tmpfs_bytes"`
	KaniTTY         bool          `yaml:"kani_tty"`
}

// Resolve builds Settings from the config file values with environment overrides.
func Resolve(values map[string]string) (Settings, error) {
	homeDir, err := DefaultHomeDir()
	if err != nil {
		return Settings{}, err
	}

	settings := Settings{
		WorkspaceDir:    ResolveString(KeyWorkspace, values),
		RunRoot:         ResolveString(KeyRunRoot, values),
		RunTag:          ResolveString(KeyRunTag, values),
		SignalFile:      ResolveString(KeySignalFile, values),
		RequireApproval: ResolveBoolDefault(KeyRequireApproval, values, true),
		DockerBinary:    ResolveString(KeyDocker, values),
		GitBinary:       ResolveString(KeyGit, values),
		KaniImage:       ResolveString(KeyKaniImage, values),
		KaniCPUs:        ResolveString(KeyKaniCPUs, values),
		KaniTTY:         ResolveBool(KeyKaniTTY, values),
	}
	if settings.WorkspaceDir == "" {
		settings.WorkspaceDir = "./workspace"
	}
	if settings.RunRoot == "" {
		settings.RunRoot = filepath.Join(homeDir, "runs")
	}
	if settings.SignalFile == "" {
		settings.SignalFile = filepath.Join(homeDir, "ui.signal.json")
	}
	if settings.DockerBinary == "" {
		settings.DockerBinary = "docker"
	}
	if settings.GitBinary == "" {
		settings.GitBinary = "git"
	}
	if settings.KaniImage == "" {
		settings.KaniImage = DefaultKaniImage
	}
	if settings.KaniCPUs == "" {
		settings.KaniCPUs = DefaultKaniCPUs
	}
	if cpus, parseErr := strconv.ParseFloat(settings.KaniCPUs, 64); parseErr != nil || cpus <= 0 {
		return Settings{}, fmt.Errorf("%s: invalid cpu count %q", KeyKaniCPUs, settings.KaniCPUs)
	}

	if settings.MaxWriteBytes, err = ResolveInt(KeyMaxBytes, values, DefaultMaxBytes); err != nil {
		return Settings{}, err
	}
	if settings.SignalMaxBytes, err = ResolveInt(KeySignalMaxBytes, values, DefaultSignalMaxBytes); err != nil {
		return Settings{}, err
	}
	if settings.MaxVerifyTries, err = ResolveInt(KeyMaxVerifyTries, values, DefaultMaxVerifyTries); err != nil {
		return Settings{}, err
	}
	if settings.KaniPidsLimit, err = ResolveInt(KeyKaniPids, values, DefaultKaniPids); err != nil {
		return Settings{}, err
	}
	if settings.KaniTimeout, err = ResolveDuration(KeyKaniTimeout, values, DefaultKaniTimeout); err != nil {
		return Settings{}, err
	}
	if settings.KaniMemoryBytes, err = ResolveBytes(KeyKaniMemory, values, DefaultKaniMemory); err != nil {
		return Settings{}, err
	}
	if settings.KaniTmpfsBytes, err = ResolveBytes(KeyKaniTmpfs, values, DefaultKaniTmpfs); err != nil {
		return Settings{}, err
	}

	settings.SignalEnabled = signalEnabled(values)
	return settings, nil
}

// signalEnabled turns on change notification when asked for explicitly or when running
// inside an editor-integrated terminal that watches the signal file.
func signalEnabled(values map[string]string) bool {
	raw := strings.ToLower(ResolveString(KeySignal, values))
	switch raw {
	case "0", "false", "no", "off":
		return false
	case "1", "true", "yes", "on":
		return true
	}
	return strings.TrimSpace(os.Getenv("VSCODE_PID")) != "" || os.Getenv("TERM_PROGRAM") == "vscode"
}
