package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitSuccess = 0
	exitFailure = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := newApp().Execute(); err != nil {
		logrus.Error(err)
		return exitFailure
	}
	return exitSuccess
}

func newApp() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "proofsh",
		Short:   "Approval-gated patching and sandboxed Kani verification for coding agents",
		Version: version,
		Example: `  Serve the tool table to an agent over stdio:
  $ proofsh serve

  Drive the tools by hand:
  $ proofsh console

  Apply the last proposed patch after reviewing it:
  $ proofsh apply

  Check docker, git and the Kani image:
  $ proofsh doctor

  Write MCP client config for an agent:
  $ proofsh setup-agent`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to the config file (default ~/.proofsh/config.yaml)")
	rootCmd.PersistentFlags().String("workspace", "", "Workspace directory, overrides PROOFSH_WORKSPACE")
	rootCmd.PersistentFlags().String("log-level", "", "Set the logging level [trace, debug, info, warn, error]")
	rootCmd.PersistentFlags().String("log-format", "text", "Set the logging format [text, json]")
	rootCmd.PersistentFlags().Bool("debug", false, "Debug mode")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return processGlobalFlags(cmd)
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newConsoleCommand(),
		newApplyCommand(),
		newVerifyCommand(),
		newPatchesCommand(),
		newDoctorCommand(),
		newConfigCommand(),
		newSetupAgentCommand(),
	)
	return rootCmd
}

// processGlobalFlags configures logrus. Logs always go to stderr; stdout carries the
// JSON-RPC stream when serving.
func processGlobalFlags(cmd *cobra.Command) error {
	logrus.SetOutput(os.Stderr)
	// --log-level wins over --debug
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	level, _ := cmd.Flags().GetString("log-level")
	if level != "" {
		parsedLevel, err := logrus.ParseLevel(level)
		if err != nil {
			return err
		}
		logrus.SetLevel(parsedLevel)
	}

	logFormat, _ := cmd.Flags().GetString("log-format")
	switch logFormat {
	case "json":
		logrus.SetFormatter(new(logrus.JSONFormatter))
	case "text":
		logrus.SetFormatter(new(logrus.TextFormatter))
	default:
		return fmt.Errorf("unsupported log-format: %q", logFormat)
	}
	return nil
}
