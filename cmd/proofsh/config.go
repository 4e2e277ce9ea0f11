package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BegaDeveloper/proofsh/internal/runtimeconfig"
)

func newConfigCommand() *cobra.Command {
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Show or change the runtime config",
	}
	configCommand.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the resolved settings as YAML",
			Args:  cobra.NoArgs,
			RunE:  configShowAction,
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Persist a setting to the config file",
			Example: `  $ proofsh config set PROOFSH_KANI_TIMEOUT 600
  $ proofsh config set PROOFSH_KANI_MEMORY 8g`,
			Args: cobra.ExactArgs(2),
			RunE: configSetAction,
		},
	)
	return configCommand
}

func configShowAction(cmd *cobra.Command, _ []string) error {
	config, settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	encoded, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", config.Path, encoded)
	return nil
}

func configSetAction(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	value := strings.TrimSpace(args[1])
	if !runtimeconfig.IsKnownKey(key) {
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(runtimeconfig.Keys(), ", "))
	}
	configPath, _ := cmd.Flags().GetString("config")
	config, err := runtimeconfig.Load(configPath)
	if err != nil {
		return err
	}
	if value == "" {
		delete(config.Values, key)
	} else {
		config.Values[key] = value
	}
	if _, err := runtimeconfig.Resolve(config.Values); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}
	if err := runtimeconfig.Save(config); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s saved to %s\n", key, config.Path)
	return nil
}
