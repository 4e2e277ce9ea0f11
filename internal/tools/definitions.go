package tools

import (
	"strings"

	"github.com/BegaDeveloper/proofsh/internal/security"
)

// Definition describes one tool for a client's tool listing.
type Definition struct {
	Name        Name           `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func Definitions() []Definition {
	return []Definition{
		{
			Name:        ReadFile,
			Description: "Read a file under the workspace. Allowed extensions: .py .rs .toml .lock .md .txt.",
			InputSchema: objectSchema([]string{"path"}, map[string]any{
				"path": stringProperty("Path relative to the workspace root, e.g. demo/src/lib.rs"),
			}),
		},
		{
			Name:        WriteFile,
			Description: "Create a new file under the workspace. Existing files must be changed with propose_patch and a human approval.",
			InputSchema: objectSchema([]string{"path", "content"}, map[string]any{
				"path":      stringProperty("Path relative to the workspace root"),
				"content":   stringProperty("Full file contents"),
				"overwrite": booleanProperty("Replace an existing file when approval gating is off (default false)"),
			}),
		},
		{
			Name:        ProposePatch,
			Description: "Propose a unified diff against the workspace root. The patch is previewed and recorded; a human must approve it before it is applied. There is no tool to apply it yourself.",
			InputSchema: objectSchema([]string{"diff"}, map[string]any{
				"diff": stringProperty("Unified diff with ---/+++ headers, optionally a/ and b/ prefixed"),
			}),
		},
		{
			Name:        InitRustCrate,
			Description: "Ensure a minimal Cargo crate exists in a workspace directory. Missing Cargo.toml and src/lib.rs (or src/main.rs) are created; existing files are left alone.",
			InputSchema: objectSchema([]string{"project_dir"}, map[string]any{
				"project_dir": stringProperty("Directory relative to the workspace root, e.g. demo"),
				"crate_name": map[string]any{
					"type":        []string{"string", "null"},
					"description": "Crate name; defaults to the directory name",
				},
				"lib": booleanProperty("Create a library crate (default true)"),
			}),
		},
		{
			Name: RunKani,
			Description: "Run cargo kani for a workspace crate inside an offline Docker sandbox. Allowed flags: " +
				strings.Join(security.AllowedVerifyFlags(), " ") + ".",
			InputSchema: objectSchema([]string{"project_dir"}, map[string]any{
				"project_dir": stringProperty("Crate directory relative to the workspace root, e.g. demo (not workspace/demo)"),
				"args": map[string]any{
					"type":        []string{"array", "null"},
					"items":       map[string]string{"type": "string"},
					"description": "Optional allow-listed cargo kani flags",
				},
			}),
		},
	}
}

func objectSchema(required []string, properties map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func stringProperty(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func booleanProperty(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}
