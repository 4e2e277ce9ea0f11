package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BegaDeveloper/proofsh/internal/executor"
	"github.com/BegaDeveloper/proofsh/internal/patch"
	"github.com/BegaDeveloper/proofsh/internal/session"
	"github.com/BegaDeveloper/proofsh/internal/tools"
)

func newApplyCommand() *cobra.Command {
	applyCommand := &cobra.Command{
		Use:   "apply",
		Short: "Apply a proposed patch after confirmation",
		Long: `Apply a proposed patch after confirmation.

Without --id the newest patch still awaiting approval is chosen. The diff is shown and
the patch is applied only on an interactive yes, or with --yes.`,
		Args: cobra.NoArgs,
		RunE: applyAction,
	}
	applyCommand.Flags().Int("id", 0, "Patch id to apply")
	applyCommand.Flags().String("run", "", "Run the patch id belongs to (default: the most recent run)")
	applyCommand.Flags().BoolP("yes", "y", false, "Apply without asking")
	return applyCommand
}

func applyAction(cmd *cobra.Command, _ []string) error {
	id, err := cmd.Flags().GetInt("id")
	if err != nil {
		return err
	}
	run, err := cmd.Flags().GetString("run")
	if err != nil {
		return err
	}
	autoConfirm, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return err
	}
	app, err := openApp(cmd)
	if err != nil {
		return err
	}

	records, err := app.pipeline.History(500)
	if err != nil {
		return err
	}
	record, err := selectPatch(records, run, id)
	if err != nil {
		return err
	}

	diff, readError := os.ReadFile(record.StoragePath)
	if readError != nil {
		return fmt.Errorf("read patch %d: %w", record.ID, readError)
	}
	output := cmd.OutOrStdout()
	fmt.Fprintf(output, "Patch %d of %s (%s):\n\n%s\n", record.ID, record.Run, record.StoragePath, diff)

	confirmed, err := executor.Confirm(fmt.Sprintf("Apply patch %d?", record.ID), autoConfirm)
	if err != nil {
		return err
	}
	if !confirmed {
		fmt.Fprintln(output, "Patch not applied.")
		return nil
	}
	response := app.dispatcher.ApplyPatch(cmd.Context(), record.Run, record.ID)
	printResponse(output, response)
	return responseError(response)
}

// selectPatch picks the record to apply from ledger records listed newest first. With no
// id it is the newest patch still awaiting approval; with an id and no run it is that id
// in the most recent run.
func selectPatch(records []patch.Record, run string, id int) (patch.Record, error) {
	if len(records) == 0 {
		return patch.Record{}, errors.New("no patches recorded")
	}
	if id <= 0 {
		for _, record := range records {
			if record.Status == session.PatchProposed && (run == "" || record.Run == run) {
				return record, nil
			}
		}
		return patch.Record{}, errors.New("no patch is awaiting approval")
	}
	if run == "" {
		run = records[0].Run
	}
	for _, record := range records {
		if record.Run == run && record.ID == id {
			return record, nil
		}
	}
	return patch.Record{}, fmt.Errorf("patch %d not found in run %q", id, run)
}

func responseError(response tools.Response) error {
	if response.OK {
		return nil
	}
	return fmt.Errorf("%s failed (%s): %s", response.Tool, response.Kind, response.Error)
}
