package patch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BegaDeveloper/proofsh/internal/executor"
)

type ApplyOptions struct {
	Check   bool
	Reverse bool
	Strip   int
	// Include limits the apply to these post-strip names; other files in the diff are
	// left alone.
	Include []string
}

// Applier applies a stored diff file inside dir. A patch that does not apply is
// reported through ApplyOutcome, not the error.
type Applier interface {
	Apply(ctx context.Context, dir string, patchFile string, options ApplyOptions) (ApplyOutcome, error)
}

type ApplyOutcome struct {
	Applied bool
	Stderr  string
}

// GitApplier runs "git apply" with strict context matching: no --recount and no fuzz.
type GitApplier struct {
	Binary string
}

func (applier GitApplier) Apply(ctx context.Context, dir string, patchFile string, options ApplyOptions) (ApplyOutcome, error) {
	binary := applier.Binary
	if binary == "" {
		binary = "git"
	}
	absolutePatch, err := filepath.Abs(patchFile)
	if err != nil {
		return ApplyOutcome{}, fmt.Errorf("resolve patch file: %w", err)
	}

	args := []string{"apply", fmt.Sprintf("-p%d", options.Strip)}
	if options.Check {
		args = append(args, "--check")
	}
	if options.Reverse {
		args = append(args, "--reverse")
	}
	for _, name := range options.Include {
		args = append(args, "--include="+includePattern(name))
	}
	args = append(args, absolutePatch)

	result, err := executor.Run(ctx, executor.Spec{
		Name: binary,
		Args: args,
		Dir:  dir,
		// Keep git from discovering a repository above dir, which would make it resolve
		// patch paths against that repository's top level instead.
		Env: []string{"GIT_CEILING_DIRECTORIES=" + filepath.Dir(dir)},
	})
	if err != nil {
		return ApplyOutcome{}, fmt.Errorf("git apply: %w", err)
	}
	if result.ExitCode != 0 {
		stderr := strings.TrimSpace(result.Stderr)
		if stderr == "" {
			stderr = strings.TrimSpace(result.Stdout)
		}
		return ApplyOutcome{Stderr: stderr}, nil
	}
	return ApplyOutcome{Applied: true}, nil
}
