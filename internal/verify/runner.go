// Package verify runs cargo kani against a workspace crate inside a locked-down,
// network-isolated container.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"mvdan.cc/sh/v3/syntax"

	"github.com/BegaDeveloper/proofsh/internal/executor"
	"github.com/BegaDeveloper/proofsh/internal/runtimeconfig"
	"github.com/BegaDeveloper/proofsh/internal/scaffold"
	"github.com/BegaDeveloper/proofsh/internal/security"
	"github.com/BegaDeveloper/proofsh/internal/session"
	"github.com/BegaDeveloper/proofsh/internal/toolerr"
)

const (
	OutputTailBytes = 20000

	containerWorkdir = "/work"
	killTimeout      = 30 * time.Second
)

// Profile is the one container profile every verification run uses.
type Profile struct {
	Docker      string
	Image       string
	MemoryBytes int64
	CPUs        string
	PidsLimit   int
	TmpfsBytes  int64
	Timeout     time.Duration
	TTY         bool
}

func ProfileFromSettings(settings runtimeconfig.Settings) Profile {
	return Profile{
		Docker:      settings.DockerBinary,
		Image:       settings.KaniImage,
		MemoryBytes: settings.KaniMemoryBytes,
		CPUs:        settings.KaniCPUs,
		PidsLimit:   settings.KaniPidsLimit,
		TmpfsBytes:  settings.KaniTmpfsBytes,
		Timeout:     settings.KaniTimeout,
		TTY:         settings.KaniTTY,
	}
}

// CommandRunner starts processes. The executor package is the production implementation.
type CommandRunner interface {
	Run(ctx context.Context, spec executor.Spec) (executor.Result, error)
}

type CommandRunnerFunc func(ctx context.Context, spec executor.Spec) (executor.Result, error)

func (fn CommandRunnerFunc) Run(ctx context.Context, spec executor.Spec) (executor.Result, error) {
	return fn(ctx, spec)
}

// Attempt is the outcome of one verification run. It is returned to the caller and
// never persisted.
type Attempt struct {
	ProjectDir string        `json:"project_dir"`
	Package    string        `json:"package,omitempty"`
	Args       []string      `json:"args"`
	Command    string        `json:"command"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Passed     bool          `json:"passed"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	Summary    Summary       `json:"summary"`
}

type Runner struct {
	session    *session.Session
	scaffolder *scaffold.Scaffolder
	profile    Profile
	commands   CommandRunner
	sequence   atomic.Int64
}

func NewRunner(sess *session.Session, scaffolder *scaffold.Scaffolder, profile Profile, commands CommandRunner) *Runner {
	if commands == nil {
		commands = CommandRunnerFunc(executor.Run)
	}
	if profile.Docker == "" {
		profile.Docker = "docker"
	}
	return &Runner{session: sess, scaffolder: scaffolder, profile: profile, commands: commands}
}

func (runner *Runner) Profile() Profile {
	return runner.profile
}

// Run scaffolds the crate if needed, validates extraArgs, and runs cargo kani in the
// container. A non-zero exit is a completed attempt; a timeout is a KindTimeout error.
func (runner *Runner) Run(ctx context.Context, projectDir string, extraArgs []string) (Attempt, error) {
	crate, err := runner.scaffolder.Ensure(security.NormalizeProjectRef(projectDir), "", true)
	if err != nil {
		return Attempt{}, err
	}
	// The package name is only reported; cargo is the judge of the manifest.
	packageName, err := scaffold.PackageName(crate.Path)
	if err != nil {
		logrus.WithField("project", crate.ProjectDir).WithError(err).Debug("package name unavailable")
		packageName = ""
	}
	args, err := security.ValidateVerifyArgs(extraArgs)
	if err != nil {
		return Attempt{}, err
	}

	containerName := fmt.Sprintf("proofsh-verify-%d-%d", os.Getpid(), runner.sequence.Add(1))
	argv := runner.Argv(containerName, crate.ProjectDir, args)
	attempt := Attempt{
		ProjectDir: crate.ProjectDir,
		Package:    packageName,
		Args:       args,
		Command:    QuoteCommand(argv),
	}

	logger := logrus.WithFields(logrus.Fields{
		"project":   crate.ProjectDir,
		"container": containerName,
		"memory":    units.BytesSize(float64(runner.profile.MemoryBytes)),
		"timeout":   runner.profile.Timeout,
	})
	logger.Info("starting verification")

	result, runError := runner.commands.Run(ctx, executor.Spec{
		Name:      argv[0],
		Args:      argv[1:],
		Dir:       runner.session.Root(),
		Timeout:   runner.profile.Timeout,
		TailBytes: OutputTailBytes,
		Terminal:  runner.profile.TTY,
		OnTimeout: func() { runner.killContainer(containerName) },
	})
	attempt.ExitCode = result.ExitCode
	attempt.Stdout = executor.TailString(result.Stdout, OutputTailBytes)
	attempt.Stderr = executor.TailString(result.Stderr, OutputTailBytes)
	attempt.Duration = result.Duration
	attempt.DurationMS = result.Duration.Milliseconds()

	if errors.Is(runError, executor.ErrTimedOut) || result.TimedOut {
		attempt.TimedOut = true
		attempt.ExitCode = -1
		logger.Warn("verification timed out")
		return attempt, toolerr.Wrap(toolerr.KindTimeout, runError, "verification timed out after %s", runner.profile.Timeout).
			WithPath(crate.ProjectDir).
			WithStderr(attempt.Stderr)
	}
	if runError != nil {
		return attempt, toolerr.Wrap(toolerr.KindInternal, runError, "start verification container").WithPath(crate.ProjectDir)
	}

	attempt.Passed = result.ExitCode == 0
	attempt.Summary = Summarize(result.ExitCode, result.Stdout, result.Stderr)
	logger.WithFields(logrus.Fields{
		"exit_code":  attempt.ExitCode,
		"passed":     attempt.Passed,
		"error_type": attempt.Summary.ErrorType,
	}).Info("verification finished")
	return attempt, nil
}

// Argv builds the full docker command line for one run.
func (runner *Runner) Argv(containerName string, projectRel string, args []string) []string {
	profile := runner.profile
	workdir := containerWorkdir
	if projectRel != "" && projectRel != "." {
		workdir = path.Join(containerWorkdir, projectRel)
	}
	argv := []string{
		profile.Docker, "run", "--rm",
		"--name", containerName,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", strconv.Itoa(profile.PidsLimit),
		"--memory", strconv.FormatInt(profile.MemoryBytes, 10),
		"--cpus", profile.CPUs,
		"--tmpfs", fmt.Sprintf("/tmp:rw,exec,size=%d", profile.TmpfsBytes),
		// The image runs as root so the cached toolchain under /root is usable.
		"-e", "HOME=/root",
		"-e", "RUSTUP_HOME=/root/.rustup",
		"-e", "CARGO_HOME=/root/.cargo",
		"-e", "RUSTUP_TOOLCHAIN=stable",
		"-e", "CARGO_TARGET_DIR=/tmp/target",
		"-e", "CARGO_NET_OFFLINE=true",
		"-v", runner.session.Root() + ":" + containerWorkdir,
		"-w", workdir,
	}
	if profile.TTY {
		argv = append(argv, "-t")
	}
	argv = append(argv, profile.Image, "cargo", "kani")
	return append(argv, args...)
}

// killContainer removes a container the killed docker client left running.
func (runner *Runner) killContainer(containerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	result, err := runner.commands.Run(ctx, executor.Spec{
		Name:      runner.profile.Docker,
		Args:      []string{"kill", containerName},
		TailBytes: 4096,
	})
	if err != nil || result.ExitCode != 0 {
		logrus.WithError(err).WithFields(logrus.Fields{
			"container": containerName,
			"stderr":    strings.TrimSpace(result.Stderr),
		}).Debug("docker kill after timeout failed")
	}
}

// QuoteCommand renders argv as a copy-pasteable shell command line.
func QuoteCommand(argv []string) string {
	quoted := make([]string, 0, len(argv))
	for _, arg := range argv {
		rendered, err := syntax.Quote(arg, syntax.LangPOSIX)
		if err != nil {
			rendered = strconv.Quote(arg)
		}
		quoted = append(quoted, rendered)
	}
	return strings.Join(quoted, " ")
}
