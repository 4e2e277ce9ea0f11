// Package setupagent writes the files an MCP client needs to launch proofsh and the
// instructions an agent should follow when using it.
package setupagent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BegaDeveloper/proofsh/internal/runtimeconfig"
)

const (
	ServerFileName       = "proofsh-mcp.json"
	WorkspaceFileName    = "mcp.json"
	InstructionsFileName = "agent-instructions.txt"
)

type Options struct {
	OutputDir      string
	Executable     string
	WorkspaceDir   string
	ConfigPath     string
	MaxVerifyTries int
}

// Result names the files Run wrote.
type Result struct {
	ServerFile       string
	WorkspaceFile    string
	InstructionsFile string
}

type mcpServerConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

type mcpWorkspaceConfig struct {
	MCPServers map[string]map[string]any `json:"mcpServers"`
}

func Run(out io.Writer, options Options) (Result, error) {
	outDir := strings.TrimSpace(options.OutputDir)
	if outDir == "" {
		homeDir, err := runtimeconfig.DefaultHomeDir()
		if err != nil {
			return Result{}, err
		}
		outDir = homeDir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output directory failed: %w", err)
	}

	command := strings.TrimSpace(options.Executable)
	if command == "" {
		executablePath, err := os.Executable()
		if err != nil {
			return Result{}, fmt.Errorf("resolve proofsh executable failed: %w", err)
		}
		command = executablePath
	}
	args := serveArgs(options)
	env := map[string]string{}
	if workspace := strings.TrimSpace(options.WorkspaceDir); workspace != "" {
		absoluteWorkspace, err := filepath.Abs(workspace)
		if err != nil {
			return Result{}, fmt.Errorf("resolve workspace failed: %w", err)
		}
		env[runtimeconfig.KeyWorkspace] = absoluteWorkspace
	}

	result := Result{
		ServerFile:       filepath.Join(outDir, ServerFileName),
		WorkspaceFile:    filepath.Join(outDir, WorkspaceFileName),
		InstructionsFile: filepath.Join(outDir, InstructionsFileName),
	}
	if err := writeJSONFile(result.ServerFile, mcpServerConfig{Name: "proofsh", Command: command, Args: args, Env: env}); err != nil {
		return Result{}, err
	}
	workspaceConfig := mcpWorkspaceConfig{
		MCPServers: map[string]map[string]any{
			"proofsh": {
				"command": command,
				"args":    args,
				"env":     env,
			},
		},
	}
	if err := writeJSONFile(result.WorkspaceFile, workspaceConfig); err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(result.InstructionsFile, []byte(Instructions(options.MaxVerifyTries)), 0o644); err != nil {
		return Result{}, fmt.Errorf("write agent instructions failed: %w", err)
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "proofsh setup-agent complete.")
	fmt.Fprintf(out, "MCP server file: %s\n", result.ServerFile)
	fmt.Fprintf(out, "Workspace mcp.json: %s\n", result.WorkspaceFile)
	fmt.Fprintf(out, "Agent instruction snippet: %s\n", result.InstructionsFile)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Minimal next step:")
	fmt.Fprintf(out, "1) Register the server from %s in your MCP client.\n", ServerFileName)
	fmt.Fprintf(out, "2) Paste %s into the agent's system instructions.\n", InstructionsFileName)
	fmt.Fprintln(out, "3) Approve proposed patches with `proofsh apply` in another terminal while the agent keeps running.")
	return result, nil
}

// Instructions is the workflow an agent must follow with the proofsh tools.
func Instructions(maxVerifyTries int) string {
	if maxVerifyTries <= 0 {
		maxVerifyTries = runtimeconfig.DefaultMaxVerifyTries
	}
	lines := []string{
		"You are a Rust coding assistant working through the proofsh tools.",
		"Read and create files only with read_file and write_file; paths are relative to the workspace root.",
		"Run verification only with run_kani, which runs cargo kani in an offline Docker sandbox.",
		"Never ask the user to run shell commands.",
		fmt.Sprintf("You have at most %d run_kani attempts per user request.", maxVerifyTries),
		"The budget refills only after the user approves a patch; when run_kani returns budget_exceeded, stop and ask the user.",
		"Workflow:",
		"0) Call init_rust_crate(project_dir=...) before writing Rust files.",
		"1) Change existing files only by proposing a unified diff with propose_patch, then wait for the user to approve it.",
		"2) Create brand-new files with write_file.",
		"3) After changes are applied, call run_kani.",
		"4) If verification fails, use summary.primary_error and failed_checks to fix the code or harness and run again.",
		"5) Stop when run_kani returns passed=true and explain what changed and what is proven.",
		"Pass project_dir as the crate directory, e.g. demo, not workspace/demo.",
	}
	return strings.Join(lines, "\n") + "\n"
}

func serveArgs(options Options) []string {
	args := []string{"serve"}
	if configPath := strings.TrimSpace(options.ConfigPath); configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}

func writeJSONFile(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s failed: %w", path, err)
	}
	return nil
}
