package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/crucible/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Exposes crucible tasks as MCP tools so agents can start tasks, answer
their questions and inspect them.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Logs go to stderr.
- sse: Uses Server-Sent Events over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(cmd, nil)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := mcp.NewServer(rt.Engine, rt.Logger)
		transport, _ := cmd.Flags().GetString("transport")
		switch transport {
		case "stdio":
			rt.Logger.Info("starting MCP server (stdio)")
			return srv.ServeStdio(ctx)
		case "sse":
			addr, _ := cmd.Flags().GetString("addr")
			baseURL, _ := cmd.Flags().GetString("base-url")
			if baseURL == "" {
				baseURL = "http://localhost" + addr
			}
			return srv.ServeSSE(ctx, addr, baseURL)
		default:
			return fmt.Errorf("unknown transport %q (supported: stdio, sse)", transport)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().String("addr", ":8081", "Listen address (only for SSE)")
	mcpCmd.Flags().String("base-url", "", "Public base URL announced to SSE clients")
}
