package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/halogate/halogate/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the config file",
	}
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse the config file and report problems without starting the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			path := resolveConfigPath()
			cfg, err := config.LoadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
				os.Exit(1)
			}

			var warnings []string
			if !cfg.HasAnyProvider() {
				warnings = append(warnings, "no provider API key configured (set HALOGATE_ANTHROPIC_API_KEY or a sibling)")
			}
			if !cfg.Channels.Telegram.Enabled && !cfg.Channels.Discord.Enabled {
				warnings = append(warnings, "no channels enabled; only the RPC endpoint will accept messages")
			}
			for i, b := range cfg.Bindings {
				if b.AgentID == "" {
					warnings = append(warnings, fmt.Sprintf("bindings[%d]: missing agent_id", i))
				}
				if _, ok := cfg.Agents.List[b.AgentID]; !ok && b.AgentID != "" && b.AgentID != config.DefaultAgentID {
					warnings = append(warnings, fmt.Sprintf("bindings[%d]: agent %q is not defined", i, b.AgentID))
				}
			}

			fmt.Printf("%s: valid (hash %s)\n", path, cfg.Hash())
			for _, w := range warnings {
				fmt.Printf("warning: %s\n", w)
			}
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config after defaults and env overrides",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.LoadFile(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "config: %v\n", err)
				os.Exit(1)
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(data))
		},
	}
}
