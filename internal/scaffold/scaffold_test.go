package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pelletier/go-toml/v2"

	"github.com/BegaDeveloper/proofsh/internal/session"
	"github.com/BegaDeveloper/proofsh/internal/signal"
	"github.com/BegaDeveloper/proofsh/internal/toolerr"
)

func newTestScaffolder(t *testing.T) (*Scaffolder, *session.Session, *signal.Recorder) {
	t.Helper()
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
	return New(sess), sess, recorder
}

func TestEnsureCreatesLibraryCrateOnce(t *testing.T) {
	t.Parallel()
	scaffolder, sess, recorder := newTestScaffolder(t)

	first, err := scaffolder.Ensure("./workspace/proofs", "", true)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	expected := Result{
		ProjectDir: "proofs",
		Path:       filepath.Join(sess.Root(), "proofs"),
		Name:       "proofs",
		Library:    true,
		EntryFile:  LibEntry,
		Created:    Created{Manifest: true, Entry: true},
	}
	if diff := cmp.Diff(expected, first); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}
	if len(recorder.Events) != 2 || recorder.Events[0].Path != "proofs/Cargo.toml" {
		t.Fatalf("expected one event per created file, got %+v", recorder.Events)
	}

	manifestPath := filepath.Join(first.Path, ManifestName)
	manifestBefore, _ := os.ReadFile(manifestPath)
	entryBefore, _ := os.ReadFile(filepath.Join(first.Path, "src", "lib.rs"))
	if string(entryBefore) != "pub fn placeholder() -> i32 { 0 }\n" {
		t.Fatalf("unexpected lib.rs %q", entryBefore)
	}

	var parsed map[string]map[string]string
	if err := toml.Unmarshal(manifestBefore, &parsed); err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if parsed["package"]["name"] != "proofs" || parsed["package"]["edition"] != "2021" || parsed["lib"]["path"] != "src/lib.rs" {
		t.Fatalf("unexpected manifest %v", parsed)
	}

	second, err := scaffolder.Ensure("proofs", "", true)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if second.Created != (Created{}) {
		t.Fatalf("expected nothing created on second call, got %+v", second.Created)
	}
	manifestAfter, _ := os.ReadFile(manifestPath)
	if string(manifestAfter) != string(manifestBefore) {
		t.Fatalf("expected manifest unchanged")
	}
	if len(recorder.Events) != 2 {
		t.Fatalf("expected no new events, got %d", len(recorder.Events))
	}
}

func TestEnsureBinaryCrateKeepsExistingManifest(t *testing.T) {
	t.Parallel()
	scaffolder, sess, _ := newTestScaffolder(t)
	projectDir := filepath.Join(sess.Root(), "app")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	custom := "[package]\nname = \"custom\"\nversion = \"1.2.3\"\nedition = \"2021\"\n"
	if err := os.WriteFile(filepath.Join(projectDir, ManifestName), []byte(custom), 0o644); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}

	result, err := scaffolder.Ensure("app", "app_bin", false)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if result.Created != (Created{Manifest: false, Entry: true}) || result.EntryFile != MainEntry {
		t.Fatalf("unexpected result %+v", result)
	}
	entry, _ := os.ReadFile(filepath.Join(projectDir, "src", "main.rs"))
	if string(entry) != "fn main() { println!(\"hello\"); }\n" {
		t.Fatalf("unexpected main.rs %q", entry)
	}
	name, err := PackageName(projectDir)
	if err != nil || name != "custom" {
		t.Fatalf("expected existing manifest to be kept, got %q err=%v", name, err)
	}
}

func TestPackageNameToleratesCargoManifestShapes(t *testing.T) {
	t.Parallel()
	inherited := t.TempDir()
	manifest := "[package]\nname = \"member\"\nversion.workspace = true\nedition = { workspace = true }\n\n[dependencies]\nserde = { workspace = true }\n"
	if err := os.WriteFile(filepath.Join(inherited, ManifestName), []byte(manifest), 0o644); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}
	if name, err := PackageName(inherited); err != nil || name != "member" {
		t.Fatalf("expected inherited fields to be ignored, got %q err=%v", name, err)
	}

	virtual := t.TempDir()
	if err := os.WriteFile(filepath.Join(virtual, ManifestName), []byte("[workspace]\nmembers = [\"a\", \"b\"]\n"), 0o644); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}
	if name, err := PackageName(virtual); err == nil || name != "" {
		t.Fatalf("expected virtual manifest to have no package name, got %q", name)
	}
}

func TestEnsureRejectsBadNames(t *testing.T) {
	t.Parallel()
	scaffolder, sess, _ := newTestScaffolder(t)

	for _, testCase := range []struct{ dir, name string }{
		{dir: "my-crate"},
		{dir: "ok", name: "has space"},
		{dir: "ok", name: "___"},
		{dir: "workspace"},
	} {
		if _, err := scaffolder.Ensure(testCase.dir, testCase.name, true); !toolerr.Is(err, toolerr.KindInvalidName) {
			t.Fatalf("expected invalid name for %+v, got %v", testCase, err)
		}
	}
	if _, err := os.Stat(filepath.Join(sess.Root(), "my-crate")); !os.IsNotExist(err) {
		t.Fatalf("expected no directory for rejected name, err=%v", err)
	}
	if _, err := scaffolder.Ensure("../outside", "", true); !toolerr.Is(err, toolerr.KindPathViolation) {
		t.Fatalf("expected path violation, got %v", err)
	}
}

func TestValidCrateName(t *testing.T) {
	t.Parallel()
	for name, expected := range map[string]bool{
		"demo":    true,
		"demo_2":  true,
		"_x":      true,
		"":        false,
		"_":       false,
		"dash-ed": false,
		"ünicode": false,
	} {
		if got := ValidCrateName(name); got != expected {
			t.Fatalf("ValidCrateName(%q) = %v, want %v", name, got, expected)
		}
	}
}
