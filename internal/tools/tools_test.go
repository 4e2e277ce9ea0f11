package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/BegaDeveloper/proofsh/internal/executor"
	"github.com/BegaDeveloper/proofsh/internal/filestore"
	"github.com/BegaDeveloper/proofsh/internal/metrics"
	"github.com/BegaDeveloper/proofsh/internal/patch"
	"github.com/BegaDeveloper/proofsh/internal/scaffold"
	"github.com/BegaDeveloper/proofsh/internal/session"
	"github.com/BegaDeveloper/proofsh/internal/toolerr"
	"github.com/BegaDeveloper/proofsh/internal/verify"
)

type countingCommands struct {
	calls int
}

func (commands *countingCommands) Run(ctx context.Context, spec executor.Spec) (executor.Result, error) {
	commands.calls++
	return executor.Result{ExitCode: 0, Stdout: "VERIFICATION:- SUCCESSFUL\n"}, nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	session    *session.Session
	pipeline   *patch.Pipeline
	commands   *countingCommands
}

func newDispatcherFixture(t *testing.T, maxTries int) dispatcherFixture {
	t.Helper()
	base := t.TempDir()
	sess, err := session.New(session.Options{
		WorkspaceDir:   filepath.Join(base, "workspace"),
		RunRoot:        filepath.Join(base, "runs"),
		MaxVerifyTries: maxTries,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	pipeline, err := patch.NewPipeline(sess, patch.GitApplier{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	scaffolder := scaffold.New(sess)
	commands := &countingCommands{}
	dispatcher := New(sess, Options{
		Files:      filestore.New(sess, filestore.Options{MaxWriteBytes: 64, RequireApproval: true}),
		Patches:    pipeline,
		Scaffolder: scaffolder,
		Runner:     verify.NewRunner(sess, scaffolder, verify.Profile{Image: "kani-runner:0.66"}, commands),
		Metrics:    metrics.NewRegistry(),
	})
	return dispatcherFixture{dispatcher: dispatcher, session: sess, pipeline: pipeline, commands: commands}
}

func call(t *testing.T, dispatcher *Dispatcher, name string, args string) Response {
	t.Helper()
	return dispatcher.Call(context.Background(), name, json.RawMessage(args))
}

func wireFields(t *testing.T, response Response) map[string]any {
	t.Helper()
	raw, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return fields
}

func TestCallUnknownTool(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t, 3)

	response := call(t, fixture.dispatcher, "apply_patch", `{}`)
	if response.OK || response.Kind != toolerr.KindUnknownTool || response.Tool != "apply_patch" {
		t.Fatalf("unexpected response %+v", response)
	}
}

func TestCallRejectsUnknownAndMissingArguments(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t, 3)

	for _, testCase := range []struct {
		tool string
		args string
	}{
		{tool: "read_file", args: `{"path":"a.rs","mode":"x"}`},
		{tool: "read_file", args: `{}`},
		{tool: "write_file", args: `{"path":"a.rs"}`},
		{tool: "propose_patch", args: `null`},
		{tool: "run_kani", args: `{"project_dir":"demo","args":"--quiet"}`},
		{tool: "init_rust_crate", args: `{"project_dir":"demo"} {}`},
	} {
		response := call(t, fixture.dispatcher, testCase.tool, testCase.args)
		if response.OK || response.Kind != toolerr.KindInvalidArgument {
			t.Fatalf("%s %s: expected invalid argument, got %+v", testCase.tool, testCase.args, response)
		}
	}
	if fixture.commands.calls != 0 {
		t.Fatalf("expected no process invocations, got %d", fixture.commands.calls)
	}
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t, 3)

	written := call(t, fixture.dispatcher, "write_file", `{"path":"notes/readme.md","content":"hello"}`)
	if !written.OK {
		t.Fatalf("write failed: %+v", written)
	}
	read := call(t, fixture.dispatcher, "read_file", `{"path":"notes/readme.md"}`)
	if !read.OK {
		t.Fatalf("read failed: %+v", read)
	}
	result, ok := read.Result.(filestore.ReadResult)
	if !ok || result.Content != "hello" {
		t.Fatalf("unexpected read result %#v", read.Result)
	}

	again := call(t, fixture.dispatcher, "write_file", `{"path":"notes/readme.md","content":"bye","overwrite":true}`)
	if again.OK || again.Kind != toolerr.KindAlreadyExists || again.Path != "notes/readme.md" {
		t.Fatalf("expected already_exists under approval gating, got %+v", again)
	}
}

func TestErrorWireFormat(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t, 3)

	content := strings.Repeat("x", 65)
	response := call(t, fixture.dispatcher, "write_file", `{"path":"big.txt","content":"`+content+`"}`)
	fields := wireFields(t, response)
	delete(fields, "error")
	expected := map[string]any{
		"ok":              false,
		"tool":            "write_file",
		"kind":            "size_exceeded",
		"path":            "big.txt",
		"attempted_bytes": float64(65),
		"max_bytes":       float64(64),
	}
	if diff := cmp.Diff(expected, fields); diff != "" {
		t.Fatalf("unexpected wire fields (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(fixture.session.Root(), "big.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected target untouched, stat err=%v", err)
	}

	violation := wireFields(t, call(t, fixture.dispatcher, "read_file", `{"path":"../etc/passwd.txt"}`))
	if violation["kind"] != "path_violation" || violation["ok"] != false {
		t.Fatalf("unexpected violation response %v", violation)
	}
}

func TestInitRustCrateDefaultsToLibrary(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t, 3)

	response := call(t, fixture.dispatcher, "init_rust_crate", `{"project_dir":"workspace/demo","crate_name":null}`)
	if !response.OK {
		t.Fatalf("init failed: %+v", response)
	}
	result := response.Result.(scaffold.Result)
	if !result.Library || result.EntryFile != scaffold.LibEntry || !result.Created.Manifest || !result.Created.Entry {
		t.Fatalf("unexpected scaffold result %+v", result)
	}

	second := call(t, fixture.dispatcher, "init_rust_crate", `{"project_dir":"demo","lib":true}`)
	if created := second.Result.(scaffold.Result).Created; created.Manifest || created.Entry {
		t.Fatalf("expected nothing created on second call, got %+v", created)
	}
}

func TestRunKaniBudgetPerTurn(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t, 2)

	for attempt := 1; attempt <= 2; attempt++ {
		response := call(t, fixture.dispatcher, "run_kani", `{"project_dir":"demo"}`)
		if !response.OK {
			t.Fatalf("attempt %d failed: %+v", attempt, response)
		}
		result := response.Result.(KaniResult)
		if !result.Passed || result.AttemptNumber != attempt || result.MaxAttempts != 2 {
			t.Fatalf("unexpected result %+v", result)
		}
	}
	exhausted := call(t, fixture.dispatcher, "run_kani", `{"project_dir":"demo"}`)
	if exhausted.OK || exhausted.Kind != toolerr.KindBudgetExceeded {
		t.Fatalf("expected budget_exceeded, got %+v", exhausted)
	}
	if fixture.commands.calls != 2 {
		t.Fatalf("expected two process invocations, got %d", fixture.commands.calls)
	}

	fixture.dispatcher.BeginTurn()
	if response := call(t, fixture.dispatcher, "run_kani", `{"project_dir":"demo"}`); !response.OK {
		t.Fatalf("expected a fresh budget after a new turn, got %+v", response)
	}

	snapshot := fixture.dispatcher.Metrics().Snapshot()
	if snapshot.VerifyRuns != 3 || snapshot.VerifyPassed != 3 {
		t.Fatalf("unexpected verification metrics %+v", snapshot)
	}
}

func TestRunKaniBudgetRefillsAfterApproval(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t, 1)

	if response := call(t, fixture.dispatcher, "run_kani", `{"project_dir":"demo"}`); !response.OK {
		t.Fatalf("first attempt failed: %+v", response)
	}
	// A proposal alone does not refill the budget.
	if err := fixture.pipeline.Ledger().Save(patch.Record{Run: "run-other", ID: 1, Status: session.PatchProposed}); err != nil {
		t.Fatalf("save proposed record: %v", err)
	}
	if exhausted := call(t, fixture.dispatcher, "run_kani", `{"project_dir":"demo"}`); exhausted.Kind != toolerr.KindBudgetExceeded {
		t.Fatalf("expected budget_exceeded, got %+v", exhausted)
	}

	// `proofsh apply` in another process marks the record applied in the shared ledger.
	if err := fixture.pipeline.Ledger().Save(patch.Record{Run: "run-other", ID: 1, Status: session.PatchApplied}); err != nil {
		t.Fatalf("save applied record: %v", err)
	}
	response := call(t, fixture.dispatcher, "run_kani", `{"project_dir":"demo"}`)
	if !response.OK || response.Result.(KaniResult).AttemptNumber != 1 {
		t.Fatalf("expected a fresh budget after an approval, got %+v", response)
	}
	if exhausted := call(t, fixture.dispatcher, "run_kani", `{"project_dir":"demo"}`); exhausted.Kind != toolerr.KindBudgetExceeded {
		t.Fatalf("expected one approval to refill the budget once, got %+v", exhausted)
	}
	if fixture.commands.calls != 2 {
		t.Fatalf("expected two process invocations, got %d", fixture.commands.calls)
	}
}

func TestRunKaniDisallowedFlagStartsNoProcess(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t, 3)

	response := call(t, fixture.dispatcher, "run_kani", `{"project_dir":"demo","args":["--enable-unstable"]}`)
	if response.OK || response.Kind != toolerr.KindInvalidArgument || response.Token != "--enable-unstable" {
		t.Fatalf("unexpected response %+v", response)
	}
	if fixture.commands.calls != 0 {
		t.Fatalf("expected zero process invocations, got %d", fixture.commands.calls)
	}
}

func TestApproveWithoutPendingPatch(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t, 3)

	response := fixture.dispatcher.ApproveLastPatch(context.Background())
	if response.OK || response.Kind != toolerr.KindNoPendingPatch || response.Tool != "apply_patch" {
		t.Fatalf("unexpected response %+v", response)
	}
	missing := fixture.dispatcher.ApplyPatch(context.Background(), "", 42)
	if missing.OK || missing.Kind != toolerr.KindNotFound {
		t.Fatalf("expected not_found, got %+v", missing)
	}
}

func TestProposeThenApprove(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
	fixture := newDispatcherFixture(t, 3)
	target := filepath.Join(fixture.session.Root(), "demo", "src", "lib.rs")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(target, []byte("pub fn add(a: i32, b: i32) -> i32 {\n    a + b\n}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	diff := "--- a/demo/src/lib.rs\n+++ b/demo/src/lib.rs\n@@ -1,3 +1,3 @@\n pub fn add(a: i32, b: i32) -> i32 {\n-    a + b\n+    a.wrapping_add(b)\n }\n"
	args, _ := json.Marshal(map[string]string{"diff": diff})
	proposed := fixture.dispatcher.Call(context.Background(), "propose_patch", args)
	if !proposed.OK {
		t.Fatalf("propose failed: %+v", proposed)
	}
	if _, ok := fixture.session.ActivePatch(); !ok {
		t.Fatalf("expected a pending patch after propose")
	}

	applied := fixture.dispatcher.ApproveLastPatch(context.Background())
	if !applied.OK {
		t.Fatalf("approve failed: %+v", applied)
	}
	content, _ := os.ReadFile(target)
	if !strings.Contains(string(content), "a.wrapping_add(b)") {
		t.Fatalf("patch not applied, file is %q", content)
	}
	if again := fixture.dispatcher.ApproveLastPatch(context.Background()); again.Kind != toolerr.KindNoPendingPatch {
		t.Fatalf("expected no_pending_patch after apply, got %+v", again)
	}

	snapshot := fixture.dispatcher.Metrics().Snapshot()
	if snapshot.PatchTransitions["proposed"] != 1 || snapshot.PatchTransitions["applied"] != 1 {
		t.Fatalf("unexpected patch metrics %+v", snapshot.PatchTransitions)
	}
}

func TestResetClearsPendingPatchAndBudget(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t, 1)

	fixture.session.SetActivePatch(session.PendingPatch{ID: 1, StoragePath: "x", Status: session.PatchProposed})
	if response := call(t, fixture.dispatcher, "run_kani", `{"project_dir":"demo"}`); !response.OK {
		t.Fatalf("run failed: %+v", response)
	}
	fixture.dispatcher.Reset()
	if _, ok := fixture.session.ActivePatch(); ok {
		t.Fatalf("expected reset to clear the pending patch")
	}
	if used, _ := fixture.session.Attempts(); used != 0 {
		t.Fatalf("expected reset to clear the budget, used=%d", used)
	}
}

func TestDefinitionsCoverToolTable(t *testing.T) {
	t.Parallel()
	names := []Name{}
	for _, definition := range Definitions() {
		if _, ok := ParseName(string(definition.Name)); !ok {
			t.Fatalf("definition %q is not in the tool table", definition.Name)
		}
		if definition.InputSchema["additionalProperties"] != false {
			t.Fatalf("definition %q allows additional properties", definition.Name)
		}
		names = append(names, definition.Name)
	}
	expected := []Name{ReadFile, WriteFile, ProposePatch, InitRustCrate, RunKani}
	if diff := cmp.Diff(expected, names); diff != "" {
		t.Fatalf("unexpected definitions (-want +got):\n%s", diff)
	}
	if len(Names()) != len(expected) {
		t.Fatalf("unexpected names %v", Names())
	}
}
