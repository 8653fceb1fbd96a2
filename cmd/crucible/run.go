package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aretw0/crucible"
	"github.com/aretw0/crucible/internal/cli"
	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/internal/presentation/tui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a task interactively in the terminal",
	Long: `Starts a task (or picks up the one named by --thread) and drives it,
asking on the terminal whenever it needs a plan choice or experiment results.

Answers are plain text or JSON objects. /stop ends the task and /quit leaves it
suspended so it can be picked up later with --thread.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		jsonMode, _ := cmd.Flags().GetBool("json")
		noBanner, _ := cmd.Flags().GetBool("no-banner")

		// Logs would interleave with the prompts, so they are off unless asked for.
		logger := logging.NewNop()
		if debug {
			logger = logging.New(slog.LevelDebug, logging.FormatText)
		}
		rt, err := loadRuntime(cmd, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		payload, err := readPayload(cmd)
		if err != nil {
			return err
		}
		opts := cli.RunOptions{Payload: payload, JSON: jsonMode}
		opts.ThreadID, _ = cmd.Flags().GetString("thread")
		opts.TaskID, _ = cmd.Flags().GetString("task")
		opts.MaxIterations, _ = cmd.Flags().GetInt("max-iterations")
		opts.Verbose, _ = cmd.Flags().GetBool("verbose")

		if !jsonMode && !noBanner {
			tui.PrintBanner(cmd.OutOrStdout(), strings.TrimSpace(crucible.Version))
		}

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()
		return cli.HandleExecutionError(cli.Run(ctx, rt.Engine, opts, os.Stdin, cmd.OutOrStdout()))
	},
}

// readPayload decodes --payload (JSON) or --payload-file (YAML or JSON).
func readPayload(cmd *cobra.Command) (map[string]any, error) {
	inline, _ := cmd.Flags().GetString("payload")
	path, _ := cmd.Flags().GetString("payload-file")

	payload := map[string]any{}
	switch {
	case inline != "" && path != "":
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	case inline != "":
		if err := json.Unmarshal([]byte(inline), &payload); err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		if err := yaml.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("parse payload file %s: %w", path, err)
		}
	}
	return payload, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("thread", "", "Thread ID to start or pick up")
	runCmd.Flags().String("task", "", "Task ID (defaults to the thread ID)")
	runCmd.Flags().String("payload", "", "Task input as a JSON object")
	runCmd.Flags().String("payload-file", "", "Task input from a YAML or JSON file")
	runCmd.Flags().Int("max-iterations", 0, "Bound of the analysis loop (default engine.max_iterations)")
	runCmd.Flags().Bool("json", false, "Write events as NDJSON and read answers line by line")
	runCmd.Flags().BoolP("verbose", "v", false, "Also print node starts and tool calls")
	runCmd.Flags().Bool("debug", false, "Write debug logs to stderr")
	runCmd.Flags().Bool("no-banner", false, "Do not print the banner")
}
