package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BegaDeveloper/proofsh/internal/executor"
	"github.com/BegaDeveloper/proofsh/internal/runtimeconfig"
)

type doctorCheck struct {
	name    string
	ok      bool
	details string
}

// doctorProbe abstracts the host lookups so checks can be exercised without docker.
type doctorProbe struct {
	lookPath func(file string) (string, error)
	run      func(ctx context.Context, spec executor.Spec) (executor.Result, error)
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check docker, git, the Kani image and the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			probe := doctorProbe{lookPath: exec.LookPath, run: executor.Run}
			return runDoctor(cmd, probe, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runDoctor(cmd *cobra.Command, probe doctorProbe, output io.Writer, errorOutput io.Writer) error {
	config, settings, configErr := loadSettings(cmd)
	checks := []doctorCheck{checkConfig(config, configErr)}
	if configErr == nil {
		checks = append(checks,
			checkBinary(probe, "docker", settings.DockerBinary),
			checkBinary(probe, "git", settings.GitBinary),
			checkKaniImage(cmd.Context(), probe, settings),
			checkWorkspaceWritable(settings.WorkspaceDir),
		)
	}

	hasFailure := false
	for _, check := range checks {
		status := "PASS"
		if !check.ok {
			status = "FAIL"
			hasFailure = true
		}
		fmt.Fprintf(output, "[%s] %s: %s\n", status, check.name, check.details)
	}
	if hasFailure {
		fmt.Fprintln(errorOutput, "")
		fmt.Fprintln(errorOutput, "proofsh doctor found problems.")
		fmt.Fprintln(errorOutput, "Fix the failing checks and rerun: proofsh doctor")
		return fmt.Errorf("one or more doctor checks failed")
	}
	fmt.Fprintln(output, "")
	fmt.Fprintln(output, "proofsh doctor passed: docker, git, the Kani image and the workspace look good.")
	return nil
}

func checkConfig(config runtimeconfig.FileConfig, configErr error) doctorCheck {
	if configErr != nil {
		return doctorCheck{name: "config", ok: false, details: configErr.Error()}
	}
	return doctorCheck{
		name:    "config",
		ok:      true,
		details: fmt.Sprintf("%s parsed (%d keys)", config.Path, len(config.Values)),
	}
}

func checkBinary(probe doctorProbe, name string, binary string) doctorCheck {
	resolved, err := probe.lookPath(binary)
	if err != nil {
		return doctorCheck{
			name:    name,
			ok:      false,
			details: fmt.Sprintf("%q not found on PATH", binary),
		}
	}
	return doctorCheck{name: name, ok: true, details: resolved}
}

func checkKaniImage(ctx context.Context, probe doctorProbe, settings runtimeconfig.Settings) doctorCheck {
	result, err := probe.run(ctx, executor.Spec{
		Name:    settings.DockerBinary,
		Args:    []string{"image", "inspect", "--format", "{{.Id}}", settings.KaniImage},
		Timeout: 20 * time.Second,
	})
	if err != nil {
		return doctorCheck{
			name:    "kani image",
			ok:      false,
			details: fmt.Sprintf("docker image inspect failed: %v", err),
		}
	}
	if result.ExitCode != 0 {
		return doctorCheck{
			name:    "kani image",
			ok:      false,
			details: fmt.Sprintf("image %q is not present (build or pull it first)", settings.KaniImage),
		}
	}
	return doctorCheck{
		name:    "kani image",
		ok:      true,
		details: fmt.Sprintf("%s (%s)", settings.KaniImage, strings.TrimSpace(result.Stdout)),
	}
}

func checkWorkspaceWritable(workspaceDir string) doctorCheck {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return doctorCheck{name: "workspace", ok: false, details: fmt.Sprintf("create %s: %v", workspaceDir, err)}
	}
	probeFile, err := os.CreateTemp(workspaceDir, ".proofsh-doctor-*")
	if err != nil {
		return doctorCheck{name: "workspace", ok: false, details: fmt.Sprintf("%s is not writable: %v", workspaceDir, err)}
	}
	probeName := probeFile.Name()
	_ = probeFile.Close()
	_ = os.Remove(probeName)
	return doctorCheck{name: "workspace", ok: true, details: fmt.Sprintf("%s is writable", workspaceDir)}
}
