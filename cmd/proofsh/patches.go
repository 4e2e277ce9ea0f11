package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BegaDeveloper/proofsh/internal/patch"
)

func newPatchesCommand() *cobra.Command {
	patchesCommand := &cobra.Command{
		Use:   "patches",
		Short: "List recorded patches, newest first",
		Args:  cobra.NoArgs,
		RunE:  patchesAction,
	}
	patchesCommand.Flags().Int("limit", 20, "Maximum number of records to show")
	patchesCommand.Flags().Bool("json", false, "Print records as JSON lines")
	return patchesCommand
}

func patchesAction(cmd *cobra.Command, _ []string) error {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	jsonOutput, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	app, err := openApp(cmd)
	if err != nil {
		return err
	}

	records, err := app.pipeline.History(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		logrus.Warn("No patches recorded yet.")
		return nil
	}
	if jsonOutput {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		for _, record := range records {
			if err := encoder.Encode(record); err != nil {
				return err
			}
		}
		return nil
	}
	writePatchTable(cmd.OutOrStdout(), records)
	return nil
}

func writePatchTable(output io.Writer, records []patch.Record) {
	if len(records) == 0 {
		fmt.Fprintln(output, "no patches recorded")
		return
	}
	w := tabwriter.NewWriter(output, 4, 8, 4, ' ', 0)
	fmt.Fprintln(w, "RUN\tID\tSTATUS\tFILES\tUPDATED")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			record.Run,
			record.ID,
			record.Status,
			strings.Join(record.Files, ","),
			record.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	_ = w.Flush()
}
