package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/shell"

	"github.com/BegaDeveloper/proofsh/internal/metrics"
	"github.com/BegaDeveloper/proofsh/internal/patch"
	"github.com/BegaDeveloper/proofsh/internal/tools"
)

const consoleHelp = `Commands:
  yes | y                    apply the last proposed patch
  apply <id>                 apply an earlier patch of this run
  verify <dir> [flags]       run cargo kani on a crate
  <tool> <json-args>         call a tool directly, e.g. read_file {"path":"demo/src/lib.rs"}
  /patches                   list recorded patches
  /stats                     show counters
  /clear                     drop the pending patch and the verification budget
  exit                       quit`

func newConsoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive prompt for calling tools and approving patches",
		Args:  cobra.NoArgs,
		RunE:  consoleAction,
	}
}

func consoleAction(cmd *cobra.Command, _ []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}

	output := cmd.OutOrStdout()
	fmt.Fprintf(output, "Workspace: %s\n", app.session.Root())
	fmt.Fprintf(output, "Run root:  %s\n", app.session.RunRoot())
	fmt.Fprintln(output, "Type 'help' for commands, 'yes' to apply the last patch, 'exit' to quit.")
	return runConsole(cmd.Context(), app.dispatcher, cmd.InOrStdin(), output)
}

// consoleDispatcher is what the console needs from tools.Dispatcher.
type consoleDispatcher interface {
	Call(ctx context.Context, name string, rawArgs json.RawMessage) tools.Response
	ApproveLastPatch(ctx context.Context) tools.Response
	ApplyPatch(ctx context.Context, run string, id int) tools.Response
	History(limit int) ([]patch.Record, error)
	Reset()
	BeginTurn()
	Metrics() *metrics.Registry
}

func runConsole(ctx context.Context, dispatcher consoleDispatcher, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for {
		fmt.Fprint(output, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(output)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			return nil
		}
		dispatcher.BeginTurn()

		command, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		switch strings.ToLower(command) {
		case "yes", "y":
			if rest != "" {
				break
			}
			printResponse(output, dispatcher.ApproveLastPatch(ctx))
			continue
		case "help", "/help":
			fmt.Fprintln(output, consoleHelp)
			continue
		case "/clear":
			dispatcher.Reset()
			fmt.Fprintln(output, "(cleared)")
			continue
		case "/stats":
			fmt.Fprint(output, dispatcher.Metrics().RenderPrometheus())
			continue
		case "/patches":
			records, err := dispatcher.History(20)
			if err != nil {
				fmt.Fprintf(output, "error: %v\n", err)
				continue
			}
			writePatchTable(output, records)
			continue
		case "apply":
			id, err := strconv.Atoi(rest)
			if err != nil || id <= 0 {
				fmt.Fprintln(output, "usage: apply <id>")
				continue
			}
			printResponse(output, dispatcher.ApplyPatch(ctx, "", id))
			continue
		case "verify":
			fields, err := shell.Fields(rest, func(string) string { return "" })
			if err != nil || len(fields) == 0 {
				fmt.Fprintln(output, "usage: verify <dir> [flags]")
				continue
			}
			rawArgs, _ := json.Marshal(map[string]any{"project_dir": fields[0], "args": fields[1:]})
			printResponse(output, dispatcher.Call(ctx, string(tools.RunKani), rawArgs))
			continue
		}

		if _, ok := tools.ParseName(command); !ok {
			fmt.Fprintf(output, "unknown command %q; type 'help'\n", command)
			continue
		}
		if rest == "" {
			rest = "{}"
		}
		printResponse(output, dispatcher.Call(ctx, command, json.RawMessage(rest)))
	}
}

func printResponse(output io.Writer, response tools.Response) {
	encoded, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		fmt.Fprintf(output, "error: %v\n", err)
		return
	}
	fmt.Fprintln(output, string(encoded))
}
