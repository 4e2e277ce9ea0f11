// Package patch implements the propose, preview, approve and commit flow for unified
// diffs. Nothing touches the workspace until a preview against a scratch copy has
// succeeded and a human has approved the result.
package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BegaDeveloper/proofsh/internal/session"
	"github.com/BegaDeveloper/proofsh/internal/signal"
	"github.com/BegaDeveloper/proofsh/internal/toolerr"
)

type Pipeline struct {
	session *session.Session
	applier Applier
	ledger  *Ledger
}

type FilePreview struct {
	Path        string `json:"path"`
	Before      string `json:"-"`
	After       string `json:"-"`
	BeforeBytes int    `json:"before_bytes"`
	AfterBytes  int    `json:"after_bytes"`
	Created     bool   `json:"created,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
}

type ProposeResult struct {
	PatchID     int           `json:"patch_id"`
	StoragePath string        `json:"path"`
	Files       []FilePreview `json:"files"`
	Skipped     []string      `json:"skipped,omitempty"`
	Message     string        `json:"message"`
}

type AppliedFile struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

type ApplyResult struct {
	PatchID int           `json:"patch_id"`
	Run     string        `json:"run"`
	Applied bool          `json:"applied"`
	Files   []AppliedFile `json:"files"`
}

// NewPipeline opens the patch ledger under the session's run root.
func NewPipeline(sess *session.Session, applier Applier) (*Pipeline, error) {
	if applier == nil {
		applier = GitApplier{}
	}
	ledger, err := OpenLedger(filepath.Join(sess.RunRoot(), LedgerFileName))
	if err != nil {
		return nil, err
	}
	return &Pipeline{session: sess, applier: applier, ledger: ledger}, nil
}

func (pipeline *Pipeline) Ledger() *Ledger {
	return pipeline.ledger
}

// Propose stores diff under the next patch id and previews it against a scratch copy
// of the files it touches. On success the patch becomes the one awaiting approval.
func (pipeline *Pipeline) Propose(ctx context.Context, diff string) (ProposeResult, error) {
	patchDir, err := pipeline.session.PatchDir()
	if err != nil {
		return ProposeResult{}, toolerr.Wrap(toolerr.KindInternal, err, "prepare run directory")
	}
	patchID := pipeline.session.NextPatchID()
	storagePath := filepath.Join(patchDir, fmt.Sprintf("patch-%04d.diff", patchID))
	if err := os.WriteFile(storagePath, []byte(diff), 0o644); err != nil {
		return ProposeResult{}, toolerr.Wrap(toolerr.KindInternal, err, "store patch %d", patchID)
	}

	record := Record{Run: pipeline.session.RunName(), ID: patchID, StoragePath: storagePath, Status: session.PatchProposed}
	logger := logrus.WithFields(logrus.Fields{"patch_id": patchID, "path": storagePath})

	parsed := parseDiff(diff, pipeline.session.Sandbox())
	record.Files = changePaths(parsed.Changes)
	if len(parsed.Changes) == 0 {
		return ProposeResult{}, pipeline.reject(record, toolerr.New(toolerr.KindPreviewFailed, "patch preview failed: diff names no allowed files"))
	}

	previews, stderr, err := pipeline.preview(ctx, storagePath, parsed)
	if err != nil {
		return ProposeResult{}, pipeline.reject(record, toolerr.Wrap(toolerr.KindInternal, err, "patch preview failed"))
	}
	if previews == nil {
		logger.WithField("stderr", stderr).Info("patch preview failed")
		return ProposeResult{}, pipeline.reject(record,
			toolerr.New(toolerr.KindPreviewFailed, "patch preview failed (invalid diff or git apply failure)").WithStderr(stderr))
	}

	for _, preview := range previews {
		pipeline.session.Notify(signal.NewEvent(preview.Path, pipeline.absolute(preview.Path), preview.Before, preview.After))
	}
	pipeline.session.SetActivePatch(session.PendingPatch{ID: patchID, StoragePath: storagePath, Status: session.PatchProposed})
	if err := pipeline.ledger.Save(record); err != nil {
		logger.WithError(err).Warn("record patch in ledger failed")
	}
	logger.WithField("files", record.Files).Info("patch proposed")

	return ProposeResult{
		PatchID:     patchID,
		StoragePath: storagePath,
		Files:       previews,
		Skipped:     parsed.Skipped,
		Message:     "Patch recorded. The user must approve it before it is applied.",
	}, nil
}

func (pipeline *Pipeline) preview(ctx context.Context, storagePath string, parsed parsedDiff) ([]FilePreview, string, error) {
	scratch, err := os.MkdirTemp("", "proofsh-preview-*")
	if err != nil {
		return nil, "", fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	for _, change := range parsed.Changes {
		destination := filepath.Join(scratch, filepath.FromSlash(change.Path.Rel()))
		if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
			return nil, "", fmt.Errorf("prepare scratch copy: %w", err)
		}
		// Strict apply refuses to create over an existing path, so creations get no placeholder.
		if change.Created {
			continue
		}
		content, readError := readOptional(change.Path.Abs())
		if readError != nil {
			return nil, "", readError
		}
		if err := os.WriteFile(destination, []byte(content), 0o644); err != nil {
			return nil, "", fmt.Errorf("prepare scratch copy: %w", err)
		}
	}

	outcome, err := pipeline.applier.Apply(ctx, scratch, storagePath, ApplyOptions{
		Strip:   parsed.StripLevel(),
		Include: headerPaths(parsed.Changes),
	})
	if err != nil {
		return nil, "", err
	}
	if !outcome.Applied {
		return nil, outcome.Stderr, nil
	}

	previews := make([]FilePreview, 0, len(parsed.Changes))
	for _, change := range parsed.Changes {
		before, beforeError := readOptional(change.Path.Abs())
		if beforeError != nil {
			return nil, "", beforeError
		}
		after, afterError := readOptional(filepath.Join(scratch, filepath.FromSlash(change.Path.Rel())))
		if afterError != nil {
			return nil, "", afterError
		}
		previews = append(previews, FilePreview{
			Path:        change.Path.Rel(),
			Before:      before,
			After:       after,
			BeforeBytes: len(before),
			AfterBytes:  len(after),
			Created:     change.Created,
			Deleted:     change.Deleted,
		})
	}
	return previews, "", nil
}

// ApplyActive commits the patch awaiting approval. It is only reachable from the
// human approval paths.
func (pipeline *Pipeline) ApplyActive(ctx context.Context) (ApplyResult, error) {
	active, ok := pipeline.session.ActivePatch()
	if !ok {
		return ApplyResult{}, toolerr.New(toolerr.KindNoPendingPatch, "nothing to apply")
	}
	record, err := pipeline.ledger.Get(pipeline.session.RunName(), active.ID)
	if err != nil {
		return ApplyResult{}, toolerr.Wrap(toolerr.KindInternal, err, "load patch %d", active.ID)
	}
	if record == nil {
		record = &Record{Run: pipeline.session.RunName(), ID: active.ID, StoragePath: active.StoragePath, Status: active.Status}
	}
	return pipeline.commit(ctx, *record)
}

// ApplyPatch commits an earlier patch of the current run by id.
func (pipeline *Pipeline) ApplyPatch(ctx context.Context, id int) (ApplyResult, error) {
	return pipeline.ApplyRecord(ctx, pipeline.session.RunName(), id)
}

// ApplyRecord commits a patch from any run recorded in the ledger. An empty run means
// the current one.
func (pipeline *Pipeline) ApplyRecord(ctx context.Context, run string, id int) (ApplyResult, error) {
	if run == "" {
		run = pipeline.session.RunName()
	}
	record, err := pipeline.ledger.Get(run, id)
	if err != nil {
		return ApplyResult{}, toolerr.Wrap(toolerr.KindInternal, err, "load patch %d", id)
	}
	if record == nil {
		return ApplyResult{}, toolerr.New(toolerr.KindNotFound, "patch %d not found in run %q", id, run)
	}
	return pipeline.commit(ctx, *record)
}

// commit holds the run-root lock so two processes sharing the workspace never apply at
// once, and rereads the record under it: another process may have settled the patch.
func (pipeline *Pipeline) commit(ctx context.Context, record Record) (ApplyResult, error) {
	var result ApplyResult
	var commitError error
	lockError := pipeline.session.WithRunRootLock(ctx, func() error {
		current, err := pipeline.ledger.Get(record.Run, record.ID)
		if err != nil {
			commitError = toolerr.Wrap(toolerr.KindInternal, err, "load patch %d", record.ID)
			return nil
		}
		if current != nil {
			record = *current
		}
		switch record.Status {
		case session.PatchApplied:
			pipeline.dropActive(record)
			commitError = toolerr.New(toolerr.KindNoOpApply, "patch %d was already applied", record.ID).WithPath(record.StoragePath)
		case session.PatchRejected:
			pipeline.dropActive(record)
			commitError = toolerr.New(toolerr.KindCommitFailed, "patch %d was rejected and cannot be applied", record.ID).WithPath(record.StoragePath)
		default:
			result, commitError = pipeline.commitLocked(ctx, record)
		}
		return nil
	})
	if lockError != nil {
		return ApplyResult{}, toolerr.Wrap(toolerr.KindCommitFailed, lockError, "workspace is busy")
	}
	return result, commitError
}

func (pipeline *Pipeline) commitLocked(ctx context.Context, record Record) (ApplyResult, error) {
	logger := logrus.WithFields(logrus.Fields{"patch_id": record.ID, "run": record.Run})
	raw, err := os.ReadFile(record.StoragePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ApplyResult{}, toolerr.New(toolerr.KindNotFound, "patch file not found").WithPath(record.StoragePath)
		}
		return ApplyResult{}, toolerr.Wrap(toolerr.KindInternal, err, "read patch %d", record.ID)
	}
	parsed := parseDiff(string(raw), pipeline.session.Sandbox())
	if len(parsed.Changes) == 0 {
		return ApplyResult{}, pipeline.reject(record, toolerr.New(toolerr.KindCommitFailed, "patch names no allowed files"))
	}

	before := map[string]string{}
	for _, change := range parsed.Changes {
		content, readError := readOptional(change.Path.Abs())
		if readError != nil {
			return ApplyResult{}, toolerr.Wrap(toolerr.KindInternal, readError, "snapshot %s", change.Path.Rel())
		}
		before[change.Path.Rel()] = content
	}

	root := pipeline.session.Root()
	options := ApplyOptions{Strip: parsed.StripLevel(), Include: headerPaths(parsed.Changes)}

	checkOptions := options
	checkOptions.Check = true
	check, err := pipeline.applier.Apply(ctx, root, record.StoragePath, checkOptions)
	if err != nil {
		return ApplyResult{}, toolerr.Wrap(toolerr.KindInternal, err, "check patch %d", record.ID)
	}
	if !check.Applied {
		reverseOptions := checkOptions
		reverseOptions.Reverse = true
		reverse, reverseError := pipeline.applier.Apply(ctx, root, record.StoragePath, reverseOptions)
		if reverseError == nil && reverse.Applied {
			logger.Info("patch already present in workspace")
			return ApplyResult{}, pipeline.reject(record, toolerr.New(toolerr.KindNoOpApply, "patch %d is already applied to the workspace", record.ID))
		}
		logger.WithField("stderr", check.Stderr).Info("patch no longer applies")
		record.Error = check.Stderr
		if saveError := pipeline.ledger.Save(record); saveError != nil {
			logger.WithError(saveError).Warn("record patch in ledger failed")
		}
		return ApplyResult{}, toolerr.New(toolerr.KindCommitFailed, "git apply --check failed").WithStderr(check.Stderr).WithPath(record.StoragePath)
	}

	applied, err := pipeline.applier.Apply(ctx, root, record.StoragePath, options)
	if err != nil {
		return ApplyResult{}, pipeline.reject(record, toolerr.Wrap(toolerr.KindCommitFailed, err, "git apply failed"))
	}
	if !applied.Applied {
		return ApplyResult{}, pipeline.reject(record, toolerr.New(toolerr.KindCommitFailed, "git apply failed").WithStderr(applied.Stderr).WithPath(record.StoragePath))
	}

	changed := false
	after := map[string]string{}
	files := make([]AppliedFile, 0, len(parsed.Changes))
	for _, change := range parsed.Changes {
		content, readError := readOptional(change.Path.Abs())
		if readError != nil {
			return ApplyResult{}, toolerr.Wrap(toolerr.KindInternal, readError, "read %s after apply", change.Path.Rel())
		}
		after[change.Path.Rel()] = content
		if content != before[change.Path.Rel()] {
			changed = true
		}
		files = append(files, AppliedFile{Path: change.Path.Rel(), Bytes: len(content)})
	}
	if !changed {
		return ApplyResult{}, pipeline.reject(record, toolerr.New(toolerr.KindNoOpApply, "patch applied but changed no files"))
	}

	for _, change := range parsed.Changes {
		rel := change.Path.Rel()
		pipeline.session.Notify(signal.NewEvent(rel, change.Path.Abs(), before[rel], after[rel]))
	}
	record.Status = session.PatchApplied
	record.Error = ""
	pipeline.finish(record)
	logger.WithField("files", len(files)).Info("patch applied")
	return ApplyResult{PatchID: record.ID, Run: record.Run, Applied: true, Files: files}, nil
}

// AppliedSince reports whether any process sharing the run root applied a patch after
// since. Only the most recent ledger records are consulted.
func (pipeline *Pipeline) AppliedSince(since time.Time) (bool, error) {
	records, err := pipeline.ledger.List(50)
	if err != nil {
		return false, err
	}
	for _, record := range records {
		if record.Status == session.PatchApplied && record.UpdatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

// History lists ledger records newest first.
func (pipeline *Pipeline) History(limit int) ([]Record, error) {
	records, err := pipeline.ledger.List(limit)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, err, "read patch ledger")
	}
	return records, nil
}

func (pipeline *Pipeline) reject(record Record, cause *toolerr.Error) error {
	record.Status = session.PatchRejected
	record.Error = cause.Error()
	if cause.Stderr != "" {
		record.Error = cause.Stderr
	}
	pipeline.finish(record)
	return cause
}

// finish stores a terminal record and drops the approval pointer if it names this patch.
func (pipeline *Pipeline) finish(record Record) {
	pipeline.dropActive(record)
	if err := pipeline.ledger.Save(record); err != nil {
		logrus.WithError(err).WithField("patch_id", record.ID).Warn("record patch in ledger failed")
	}
}

func (pipeline *Pipeline) dropActive(record Record) {
	if active, ok := pipeline.session.ActivePatch(); ok && active.ID == record.ID && record.Run == pipeline.session.RunName() {
		pipeline.session.ClearActivePatch()
	}
}

func (pipeline *Pipeline) absolute(rel string) string {
	return filepath.Join(pipeline.session.Root(), filepath.FromSlash(rel))
}

// readOptional treats a missing file as empty.
func readOptional(absolutePath string) (string, error) {
	content, err := os.ReadFile(absolutePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", absolutePath, err)
	}
	return string(content), nil
}

func changePaths(changes []FileChange) []string {
	paths := make([]string, 0, len(changes))
	for _, change := range changes {
		paths = append(paths, change.Path.Rel())
	}
	return paths
}

func headerPaths(changes []FileChange) []string {
	paths := make([]string, 0, len(changes))
	for _, change := range changes {
		paths = append(paths, change.HeaderPath)
	}
	return paths
}
