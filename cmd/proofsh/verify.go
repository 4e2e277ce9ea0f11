package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/BegaDeveloper/proofsh/internal/tools"
)

var errVerificationFailed = errors.New("verification did not pass")

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify DIR [-- KANI-FLAGS...]",
		Short: "Run cargo kani for a workspace crate in the sandbox",
		Example: `  Verify one harness:
  $ proofsh verify demo -- --harness check_add`,
		Args: cobra.MinimumNArgs(1),
		RunE: verifyAction,
	}
}

func verifyAction(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}

	rawArgs, err := json.Marshal(map[string]any{"project_dir": args[0], "args": args[1:]})
	if err != nil {
		return err
	}
	app.dispatcher.BeginTurn()
	response := app.dispatcher.Call(cmd.Context(), string(tools.RunKani), rawArgs)
	printResponse(cmd.OutOrStdout(), response)
	if err := responseError(response); err != nil {
		return err
	}
	if result, ok := response.Result.(tools.KaniResult); ok && !result.Passed {
		return errVerificationFailed
	}
	return nil
}
