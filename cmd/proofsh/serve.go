package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BegaDeveloper/proofsh/internal/mcpserver"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the tool table over JSON-RPC on stdin/stdout",
		Long: `Serve the tool table over JSON-RPC on stdin/stdout.

Agents call read_file, write_file, propose_patch, init_rust_crate and run_kani through
tools/call. Patches are applied only when the host sends proofsh/approve or a human runs
'proofsh apply' in another terminal while this server keeps running.

The run_kani budget refills when the host sends proofsh/turn or when a patch is approved
by either path. A client that does neither gets one budget for the life of the server.`,
		Args: cobra.NoArgs,
		RunE: serveAction,
	}
}

func serveAction(cmd *cobra.Command, _ []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"workspace": app.session.Root(),
		"run_root":  app.session.RunRoot(),
	}).Info("serving tools on stdio")
	return mcpserver.Run(cmd.Context(), app.dispatcher, version)
}
