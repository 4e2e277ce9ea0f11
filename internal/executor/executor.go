// Package executor runs external programs with bounded output capture, a wall-clock
// timeout that takes the whole process group down, and an optional pseudo-terminal.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
)

// ErrTimedOut is returned, wrapped, when a command outlives Spec.Timeout.
var ErrTimedOut = errors.New("command timed out")

const (
	DefaultTailBytes = 20000

	waitDelay       = 2 * time.Second
	ptyDrainTimeout = 2 * time.Second
)

type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// TailBytes bounds each captured stream to its last N bytes.
	TailBytes int
	// Terminal runs the command on a pseudo-terminal; stdout and stderr arrive merged in Stdout.
	Terminal bool
	Stdin    io.Reader
	// OnTimeout runs after the process group has been killed, for cleanup the group kill
	// cannot reach (a container started by a client process, for example).
	OnTimeout func()
}

type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Run executes spec and waits for it. A non-zero exit is reported in Result with a nil
// error; the error is reserved for start failures, cancellation and ErrTimedOut.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Name == "" {
		return Result{}, fmt.Errorf("command name is required")
	}
	tailBytes := spec.TailBytes
	if tailBytes <= 0 {
		tailBytes = DefaultTailBytes
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	execCommand := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	execCommand.Dir = spec.Dir
	if len(spec.Env) > 0 {
		execCommand.Env = append(os.Environ(), spec.Env...)
	}
	execCommand.WaitDelay = waitDelay
	configureProcessGroup(execCommand, spec.Terminal)

	stdout := newTailBuffer(tailBytes)
	stderr := newTailBuffer(tailBytes)

	logger := logrus.WithFields(logrus.Fields{"command": spec.Name, "dir": spec.Dir, "terminal": spec.Terminal})
	logger.Debug("starting command")

	started := time.Now()
	var runError error
	if spec.Terminal {
		runError = runOnTerminal(execCommand, spec.Stdin, stdout)
	} else {
		execCommand.Stdin = spec.Stdin
		execCommand.Stdout = stdout
		execCommand.Stderr = stderr
		runError = execCommand.Run()
	}

	result := Result{
		Duration:  time.Since(started),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.TimedOut = true
		result.ExitCode = -1
		logger.WithField("timeout", spec.Timeout).Warn("command timed out; process group killed")
		if spec.OnTimeout != nil {
			spec.OnTimeout()
		}
		return result, fmt.Errorf("%s after %s: %w", spec.Name, spec.Timeout, ErrTimedOut)
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}
	if runError != nil {
		var exitError *exec.ExitError
		if errors.As(runError, &exitError) {
			result.ExitCode = exitError.ExitCode()
			logger.WithField("exit_code", result.ExitCode).Debug("command exited")
			return result, nil
		}
		return result, fmt.Errorf("run %s: %w", spec.Name, runError)
	}
	logger.WithField("duration", result.Duration).Debug("command completed")
	return result, nil
}

func runOnTerminal(execCommand *exec.Cmd, stdin io.Reader, output io.Writer) error {
	ptyFile, startError := pty.Start(execCommand)
	if startError != nil {
		return startError
	}
	if stdin != nil {
		go func() { _, _ = io.Copy(ptyFile, stdin) }()
	}

	copyDone := make(chan struct{})
	go func() {
		// Reading a pty whose slave side is gone ends with EIO, not EOF.
		_, _ = io.Copy(output, ptyFile)
		close(copyDone)
	}()

	waitError := execCommand.Wait()
	select {
	case <-copyDone:
	case <-time.After(ptyDrainTimeout):
	}
	_ = ptyFile.Close()
	<-copyDone
	return waitError
}
