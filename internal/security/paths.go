// Package security keeps every agent-supplied path and verification flag inside the
// boundaries of the workspace.
package security

import (
	"fmt"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/BegaDeveloper/proofsh/internal/toolerr"
)

// WorkspaceAlias is the prefix callers may use to mean the workspace root itself.
const WorkspaceAlias = "workspace"

var allowedExtensions = map[string]struct{}{
	".py":   {},
	".rs":   {},
	".toml": {},
	".lock": {},
	".md":   {},
	".txt":  {},
}

// Sandbox resolves relative paths under a fixed workspace root.
type Sandbox struct {
	root string
}

// Path is a validated location inside the workspace. Only Sandbox constructs one.
type Path struct {
	rel string
	abs string
}

func (path Path) Rel() string { return path.rel }
func (path Path) Abs() string { return path.abs }

func (path Path) IsZero() bool { return path.abs == "" }

func (path Path) String() string { return path.rel }

// NewSandbox pins the sandbox to the symlink-resolved absolute form of root, which must exist.
func NewSandbox(root string) (*Sandbox, error) {
	absoluteRoot, absError := filepath.Abs(root)
	if absError != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", absError)
	}
	resolvedRoot, evalError := filepath.EvalSymlinks(absoluteRoot)
	if evalError != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", evalError)
	}
	return &Sandbox{root: filepath.Clean(resolvedRoot)}, nil
}

func (sandbox *Sandbox) Root() string {
	return sandbox.root
}

// ValidateFile accepts a relative path to a file with an allowed extension.
func (sandbox *Sandbox) ValidateFile(rel string) (Path, error) {
	cleaned, syntaxError := checkRelativeSyntax(rel)
	if syntaxError != nil {
		return Path{}, syntaxError
	}
	extension := Extension(cleaned)
	if extension == "" {
		return Path{}, toolerr.New(toolerr.KindPathViolation, "file has no extension: %s", rel).WithPath(rel)
	}
	if _, ok := allowedExtensions[extension]; !ok {
		return Path{}, toolerr.New(toolerr.KindPathViolation, "extension not allowed: %s", extension).WithPath(rel)
	}
	return sandbox.resolve(rel, cleaned)
}

// ValidateDirectory applies the same checks as ValidateFile without the extension rule.
// An empty reference names the root.
func (sandbox *Sandbox) ValidateDirectory(rel string) (Path, error) {
	if strings.TrimSpace(rel) == "" {
		return Path{rel: ".", abs: sandbox.root}, nil
	}
	cleaned, syntaxError := checkRelativeSyntax(rel)
	if syntaxError != nil {
		return Path{}, syntaxError
	}
	return sandbox.resolve(rel, cleaned)
}

// Relative returns the root-relative slash form of an absolute path inside the workspace.
func (sandbox *Sandbox) Relative(abs string) (string, bool) {
	relative, relError := filepath.Rel(sandbox.root, abs)
	if relError != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(relative), true
}

func (sandbox *Sandbox) resolve(original string, cleaned string) (Path, error) {
	joined, joinError := securejoin.SecureJoin(sandbox.root, filepath.FromSlash(cleaned))
	if joinError != nil {
		return Path{}, toolerr.Wrap(toolerr.KindPathViolation, joinError, "cannot resolve %s", original).WithPath(original)
	}
	relative, inside := sandbox.Relative(joined)
	if !inside {
		return Path{}, toolerr.New(toolerr.KindPathViolation, "path escapes workspace: %s", original).WithPath(original)
	}
	return Path{rel: relative, abs: joined}, nil
}

// NormalizeProjectRef maps the equivalent spellings of a workspace directory
// ("./crate", "workspace/crate", "/crate") to a plain relative reference.
func NormalizeProjectRef(raw string) string {
	ref := strings.TrimSpace(raw)
	for strings.HasPrefix(ref, "./") {
		ref = strings.TrimPrefix(ref, "./")
	}
	if ref == WorkspaceAlias {
		return ""
	}
	ref = strings.TrimPrefix(ref, WorkspaceAlias+"/")
	return strings.TrimLeft(ref, "/")
}

// Extension returns the lower-cased suffix of the final element, ignoring leading dots,
// so ".gitignore" and "notes." have none.
func Extension(rel string) string {
	base := rel
	if index := strings.LastIndexAny(base, `/\`); index >= 0 {
		base = base[index+1:]
	}
	base = strings.TrimLeft(base, ".")
	dot := strings.LastIndex(base, ".")
	if dot < 0 || dot == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[dot:])
}

func checkRelativeSyntax(rel string) (string, error) {
	trimmed := strings.TrimSpace(rel)
	if trimmed == "" {
		return "", toolerr.New(toolerr.KindPathViolation, "empty path").WithPath(rel)
	}
	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, `\`) || filepath.IsAbs(trimmed) {
		return "", toolerr.New(toolerr.KindPathViolation, "absolute path not allowed: %s", rel).WithPath(rel)
	}
	if hasDriveLetter(trimmed) {
		return "", toolerr.New(toolerr.KindPathViolation, "drive-qualified path not allowed: %s", rel).WithPath(rel)
	}
	segments := strings.FieldsFunc(trimmed, func(r rune) bool { return r == '/' || r == '\\' })
	for _, segment := range segments {
		if segment == ".." {
			return "", toolerr.New(toolerr.KindPathViolation, "parent traversal not allowed: %s", rel).WithPath(rel)
		}
	}
	return strings.Join(segments, "/"), nil
}

func hasDriveLetter(path string) bool {
	if len(path) < 2 || path[1] != ':' {
		return false
	}
	letter := path[0]
	return (letter >= 'a' && letter <= 'z') || (letter >= 'A' && letter <= 'Z')
}
