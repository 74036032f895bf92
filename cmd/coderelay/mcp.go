package main

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderelay/internal/mcptool"
)

// version is reported to MCP clients; release builds set it with -ldflags.
var version = "0.1.0"

var (
	mcpAddrFlag     string
	mcpLanguageFlag string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve a code_run tool over MCP stdio",
	Long: `Serve an MCP server on stdin/stdout with a single code_run tool. Each
call sends the code to a running relay and returns everything it printed.

Examples:
  coderelay mcp
  coderelay mcp --addr 10.0.0.5:8000 --language typescript`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpAddrFlag, "addr", "", "Relay address (default server.addr from config)")
	mcpCmd.Flags().StringVar(&mcpLanguageFlag, "language", "javascript", "Language tag used when a call does not name one")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	addr := mcpAddrFlag
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Server.Addr
	}

	s := mcptool.New(addr, mcpLanguageFlag).NewServer(version)
	return server.ServeStdio(s)
}
