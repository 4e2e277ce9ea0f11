// Package session holds the per-process state every tool operation shares: the
// workspace sandbox, the run directory, the patch counter, the active patch pointer and
// the verification attempt budget. Several processes may hold sessions over the same
// run root at once; WithRunRootLock serializes the operations that must not overlap.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BegaDeveloper/proofsh/internal/security"
	"github.com/BegaDeveloper/proofsh/internal/signal"
	"github.com/BegaDeveloper/proofsh/internal/toolerr"
)

// LockTimeout bounds how long WithRunRootLock waits when ctx carries no deadline.
const LockTimeout = 30 * time.Second

const lockPollInterval = 50 * time.Millisecond

type PatchStatus string

const (
	PatchProposed PatchStatus = "proposed"
	PatchApplied  PatchStatus = "applied"
	PatchRejected PatchStatus = "rejected"
)

// IsTerminal reports whether no further transition is allowed from status.
func (status PatchStatus) IsTerminal() bool {
	return status == PatchApplied || status == PatchRejected
}

type PendingPatch struct {
	ID          int
	StoragePath string
	Status      PatchStatus
}

type Options struct {
	WorkspaceDir   string
	RunRoot        string
	RunTag         string
	MaxVerifyTries int
	Observer       signal.Observer
	// Now is used for run directory naming; defaults to time.Now.
	Now func() time.Time
}

type Session struct {
	mu          sync.Mutex
	sandbox     *security.Sandbox
	runRoot     string
	runTag      string
	runDir      string
	patchCount  int
	active      *PendingPatch
	attempts    int
	maxAttempts int
	turnStarted time.Time
	observer    signal.Observer
	now         func() time.Time
}

// New prepares the workspace and run root. Any error here is an environment problem the
// process cannot recover from.
func New(options Options) (*Session, error) {
	if strings.TrimSpace(options.WorkspaceDir) == "" {
		return nil, fmt.Errorf("workspace directory is required")
	}
	if strings.TrimSpace(options.RunRoot) == "" {
		return nil, fmt.Errorf("run root is required")
	}
	if err := os.MkdirAll(options.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace failed: %w", err)
	}
	if err := os.MkdirAll(options.RunRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create run root failed: %w", err)
	}
	sandbox, err := security.NewSandbox(options.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	runRoot, err := filepath.Abs(options.RunRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve run root failed: %w", err)
	}

	observer := options.Observer
	if observer == nil {
		observer = signal.NopObserver{}
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	maxAttempts := options.MaxVerifyTries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	logrus.WithFields(logrus.Fields{"workspace": sandbox.Root(), "run_root": runRoot}).Debug("session started")
	return &Session{
		sandbox:     sandbox,
		runRoot:     runRoot,
		runTag:      sanitizeTag(options.RunTag),
		maxAttempts: maxAttempts,
		turnStarted: time.Now(),
		observer:    observer,
		now:         now,
	}, nil
}

func (session *Session) Sandbox() *security.Sandbox {
	return session.sandbox
}

func (session *Session) Root() string {
	return session.sandbox.Root()
}

func (session *Session) RunRoot() string {
	return session.runRoot
}

// RunDir returns the run directory, or "" before the first EnsureRunDir.
func (session *Session) RunDir() string {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.runDir
}

// RunName is the base name of the run directory, or "" before it exists.
func (session *Session) RunName() string {
	runDir := session.RunDir()
	if runDir == "" {
		return ""
	}
	return filepath.Base(runDir)
}

// EnsureRunDir creates run-<Mon-YYYYMMDD>-<unix>[-tag] with a patches/ subfolder on
// first use and returns the same directory afterwards. A name another process already
// took gets a -2, -3, ... suffix so patch ids never mix between processes.
func (session *Session) EnsureRunDir() (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.runDir != "" {
		return session.runDir, nil
	}
	startedAt := session.now()
	slug := fmt.Sprintf("%s-%d", startedAt.Format("Mon-20060102"), startedAt.Unix())
	if session.runTag != "" {
		slug += "-" + session.runTag
	}
	base := filepath.Join(session.runRoot, "run-"+slug)
	runDir := base
	for suffix := 2; ; suffix++ {
		mkdirError := os.Mkdir(runDir, 0o755)
		if mkdirError == nil {
			break
		}
		if !errors.Is(mkdirError, fs.ErrExist) {
			return "", fmt.Errorf("create run directory failed: %w", mkdirError)
		}
		runDir = fmt.Sprintf("%s-%d", base, suffix)
	}
	if err := os.MkdirAll(filepath.Join(runDir, "patches"), 0o755); err != nil {
		return "", fmt.Errorf("create run directory failed: %w", err)
	}
	session.runDir = runDir
	logrus.WithField("run_dir", runDir).Info("run directory created")
	return runDir, nil
}

func (session *Session) PatchDir() (string, error) {
	runDir, err := session.EnsureRunDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(runDir, "patches"), nil
}

// NextPatchID is monotonic from 1 for the life of the process, across resets.
func (session *Session) NextPatchID() int {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.patchCount++
	return session.patchCount
}

func (session *Session) ActivePatch() (PendingPatch, bool) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.active == nil {
		return PendingPatch{}, false
	}
	return *session.active, true
}

// SetActivePatch supersedes any earlier active patch.
func (session *Session) SetActivePatch(patch PendingPatch) {
	session.mu.Lock()
	defer session.mu.Unlock()
	active := patch
	session.active = &active
}

func (session *Session) ClearActivePatch() {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.active = nil
}

// BeginTurn starts a new human request and refills the verification budget.
func (session *Session) BeginTurn() {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.attempts = 0
	session.turnStarted = time.Now()
}

// TurnStartedAt is when the budget was last refilled.
func (session *Session) TurnStartedAt() time.Time {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.turnStarted
}

// ConsumeAttempt charges one verification attempt against the current turn.
func (session *Session) ConsumeAttempt() error {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.attempts++
	if session.attempts > session.maxAttempts {
		return toolerr.New(toolerr.KindBudgetExceeded, "verification budget of %d attempts exhausted for this turn", session.maxAttempts)
	}
	return nil
}

func (session *Session) Attempts() (used int, limit int) {
	session.mu.Lock()
	defer session.mu.Unlock()
	return min(session.attempts, session.maxAttempts), session.maxAttempts
}

func (session *Session) Notify(event signal.FileChangeEvent) {
	session.observer.FileChanged(event)
}

// Reset forgets the active patch and the attempt count. The run directory and patch
// counter survive so ids stay unique.
func (session *Session) Reset() {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.active = nil
	session.attempts = 0
	session.turnStarted = time.Now()
	logrus.Debug("session reset")
}

// WithRunRootLock runs fn while holding the exclusive run-root lock, waiting for another
// holder until ctx is done or LockTimeout passes.
func (session *Session) WithRunRootLock(ctx context.Context, fn func() error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, LockTimeout)
		defer cancel()
	}
	lock, err := acquireRunRootLock(ctx, filepath.Join(session.runRoot, ".proofsh.lock"))
	if err != nil {
		return err
	}
	fnError := fn()
	if releaseError := lock.release(); releaseError != nil {
		logrus.WithError(releaseError).Warn("release run root lock failed")
	}
	return fnError
}

func sanitizeTag(tag string) string {
	trimmed := strings.TrimSpace(tag)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, trimmed)
}
