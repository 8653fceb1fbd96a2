package main

import (
	"github.com/aretw0/crucible/internal/cli"
	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/reaper"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage stored tasks",
	Long:  `List, inspect, remove and reap tasks in the configured store.`,
}

var taskLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(cmd, logging.NewNop())
		if err != nil {
			return err
		}
		defer rt.Close()
		status, _ := cmd.Flags().GetString("status")
		return cli.ListTasks(cmd.Context(), rt.Engine, cmd.OutOrStdout(), status)
	},
}

var taskInspectCmd = &cobra.Command{
	Use:   "inspect <thread-id>",
	Short: "Print the full record of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(cmd, logging.NewNop())
		if err != nil {
			return err
		}
		defer rt.Close()
		return cli.InspectTask(cmd.Context(), rt.Engine, cmd.OutOrStdout(), args[0])
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <thread-id>...",
	Short: "Remove one or more tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(cmd, logging.NewNop())
		if err != nil {
			return err
		}
		defer rt.Close()
		return cli.RemoveTasks(cmd.Context(), rt.Engine, cmd.OutOrStdout(), args)
	},
}

var taskReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove tasks idle for longer than reaper.max_idle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(cmd, nil)
		if err != nil {
			return err
		}
		defer rt.Close()
		maxIdle := rt.Config.Reaper.MaxIdle
		if cmd.Flags().Changed("max-idle") {
			maxIdle, _ = cmd.Flags().GetDuration("max-idle")
		}
		return cli.ReapTasks(cmd.Context(), rt.Engine.Reaper(reaper.WithMaxIdle(maxIdle)), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskLsCmd, taskInspectCmd, taskRmCmd, taskReapCmd)
	taskLsCmd.Flags().String("status", "", "Only tasks in this status (active, suspended, finished)")
	taskReapCmd.Flags().Duration("max-idle", 0, "Idle limit (overrides reaper.max_idle)")
}
