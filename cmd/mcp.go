package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/link-assistant/agent/internal/config"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect the configured MCP servers",
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the MCP servers configured in the agent config",
	RunE:  runMCPList,
}

var mcpTestCmd = &cobra.Command{
	Use:   "test <name>",
	Short: "Dial and initialize one configured MCP server and report whether it connected",
	Args:  cobra.ExactArgs(1),
	RunE:  runMCPTest,
}

func init() {
	mcpCmd.AddCommand(mcpListCmd)
	mcpCmd.AddCommand(mcpTestCmd)
}

func runMCPList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFileFlag)
	if err != nil {
		return fmt.Errorf("agent: loading config: %w", err)
	}
	if len(cfg.MCPServers) == 0 {
		fmt.Fprintln(os.Stdout, "no MCP servers configured")
		return nil
	}
	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := cfg.MCPServers[name]
		transport := s.Type
		if transport == "" {
			transport = "stdio"
		}
		fmt.Fprintf(os.Stdout, "%s\t%s\n", name, transport)
	}
	return nil
}

func runMCPTest(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := config.Load(configFileFlag)
	if err != nil {
		return fmt.Errorf("agent: loading config: %w", err)
	}
	s, ok := cfg.MCPServers[name]
	if !ok {
		return fmt.Errorf("agent: no MCP server named %q in config", name)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
	defer cancel()

	mc, err := config.NewMCPClient(ctx, name, s)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	defer func() { _ = mc.Close() }()

	fmt.Fprintf(os.Stdout, "%s: connected\n", name)
	return nil
}
