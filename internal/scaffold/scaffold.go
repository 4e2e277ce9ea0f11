// Package scaffold materializes the minimal Cargo project a verification run needs.
package scaffold

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"

	"github.com/BegaDeveloper/proofsh/internal/security"
	"github.com/BegaDeveloper/proofsh/internal/session"
	"github.com/BegaDeveloper/proofsh/internal/signal"
	"github.com/BegaDeveloper/proofsh/internal/toolerr"
)

const (
	ManifestName = "Cargo.toml"
	LibEntry     = "src/lib.rs"
	MainEntry    = "src/main.rs"

	libSource  = "pub fn placeholder() -> i32 { 0 }\n"
	mainSource = "fn main() { println!(\"hello\"); }\n"
)

type Created struct {
	Manifest bool `json:"manifest"`
	Entry    bool `json:"entry"`
}

type Result struct {
	ProjectDir string  `json:"project_dir"`
	Path       string  `json:"path"`
	Name       string  `json:"name"`
	Library    bool    `json:"library"`
	EntryFile  string  `json:"entry_file"`
	Created    Created `json:"created"`
}

type manifest struct {
	Package manifestPackage `toml:"package"`
	Lib     *manifestTarget `toml:"lib,omitempty"`
}

type manifestPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Edition string `toml:"edition"`
}

type manifestTarget struct {
	Path string `toml:"path"`
}

type Scaffolder struct {
	session *session.Session
}

func New(session *session.Session) *Scaffolder {
	return &Scaffolder{session: session}
}

// Ensure creates whatever is missing of the manifest and entry file under dir. Existing
// files are never touched, so a second call reports nothing created.
func (scaffolder *Scaffolder) Ensure(dir string, nameOverride string, library bool) (Result, error) {
	projectRef := security.NormalizeProjectRef(dir)
	projectPath, err := scaffolder.session.Sandbox().ValidateDirectory(projectRef)
	if err != nil {
		return Result{}, err
	}

	name := strings.TrimSpace(nameOverride)
	if name == "" && projectPath.Rel() != "." {
		name = filepath.Base(filepath.FromSlash(projectPath.Rel()))
	}
	if !ValidCrateName(name) {
		return Result{}, toolerr.New(toolerr.KindInvalidName, "invalid crate name: %q", name).WithPath(projectRef)
	}

	entry := MainEntry
	entrySource := mainSource
	if library {
		entry = LibEntry
		entrySource = libSource
	}
	manifestContent, err := RenderManifest(name, library)
	if err != nil {
		return Result{}, toolerr.Wrap(toolerr.KindInternal, err, "render manifest")
	}

	if err := os.MkdirAll(filepath.Join(projectPath.Abs(), "src"), 0o755); err != nil {
		return Result{}, toolerr.Wrap(toolerr.KindInternal, err, "create project directory").WithPath(projectRef)
	}

	result := Result{
		ProjectDir: projectPath.Rel(),
		Path:       projectPath.Abs(),
		Name:       name,
		Library:    library,
		EntryFile:  entry,
	}
	if result.Created.Manifest, err = scaffolder.createIfAbsent(projectPath, ManifestName, manifestContent); err != nil {
		return Result{}, err
	}
	if result.Created.Entry, err = scaffolder.createIfAbsent(projectPath, entry, []byte(entrySource)); err != nil {
		return Result{}, err
	}
	if result.Created.Manifest || result.Created.Entry {
		logrus.WithFields(logrus.Fields{
			"project":  result.ProjectDir,
			"manifest": result.Created.Manifest,
			"entry":    result.Created.Entry,
		}).Info("project scaffolded")
	}
	return result, nil
}

func (scaffolder *Scaffolder) createIfAbsent(project security.Path, rel string, content []byte) (bool, error) {
	absolutePath := filepath.Join(project.Abs(), filepath.FromSlash(rel))
	file, openError := os.OpenFile(absolutePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if openError != nil {
		if errors.Is(openError, fs.ErrExist) {
			return false, nil
		}
		return false, toolerr.Wrap(toolerr.KindInternal, openError, "create %s", rel).WithPath(rel)
	}
	_, writeError := file.Write(content)
	closeError := file.Close()
	if writeError != nil || closeError != nil {
		_ = os.Remove(absolutePath)
		return false, toolerr.Wrap(toolerr.KindInternal, errors.Join(writeError, closeError), "write %s", rel).WithPath(rel)
	}

	workspaceRel := rel
	if project.Rel() != "." {
		workspaceRel = project.Rel() + "/" + rel
	}
	scaffolder.session.Notify(signal.NewEvent(workspaceRel, absolutePath, "", string(content)))
	return true, nil
}

// ValidCrateName accepts ASCII letters, digits and underscores with at least one
// letter or digit.
func ValidCrateName(name string) bool {
	hasAlphanumeric := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			hasAlphanumeric = true
		case r == '_':
		default:
			return false
		}
	}
	return hasAlphanumeric
}

func RenderManifest(name string, library bool) ([]byte, error) {
	document := manifest{
		Package: manifestPackage{Name: name, Version: "0.1.0", Edition: "2021"},
	}
	if library {
		document.Lib = &manifestTarget{Path: LibEntry}
	}
	content, err := toml.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("encode Cargo.toml: %w", err)
	}
	return content, nil
}

// PackageName reads the package name from the manifest in projectDir. Only [package].name
// is decoded, so workspace-inherited fields elsewhere in the manifest do not matter. A
// virtual workspace manifest has no package and yields an error.
func PackageName(projectDir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(projectDir, ManifestName))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", ManifestName, err)
	}
	var document struct {
		Package struct {
			Name string `toml:"name"`
		} `toml:"package"`
	}
	if err := toml.Unmarshal(raw, &document); err != nil {
		return "", fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	if document.Package.Name == "" {
		return "", fmt.Errorf("%s has no package name", ManifestName)
	}
	return document.Package.Name, nil
}
