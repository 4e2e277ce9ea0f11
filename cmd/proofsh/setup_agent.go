package main

import (
	"github.com/spf13/cobra"

	"github.com/BegaDeveloper/proofsh/internal/setupagent"
)

func newSetupAgentCommand() *cobra.Command {
	setupCommand := &cobra.Command{
		Use:   "setup-agent",
		Short: "Write MCP client config and agent instructions for proofsh serve",
		Args:  cobra.NoArgs,
		RunE:  setupAgentAction,
	}
	setupCommand.Flags().String("out", "", "Output directory (default ~/.proofsh)")
	return setupCommand
}

func setupAgentAction(cmd *cobra.Command, _ []string) error {
	outDir, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	configPath, _ := cmd.Flags().GetString("config")
	_, settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	_, err = setupagent.Run(cmd.OutOrStdout(), setupagent.Options{
		OutputDir:      outDir,
		WorkspaceDir:   settings.WorkspaceDir,
		ConfigPath:     configPath,
		MaxVerifyTries: settings.MaxVerifyTries,
	})
	return err
}
