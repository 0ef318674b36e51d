package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/podscript/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config [path]",
	Short: "Validate a server configuration file",
	Long: `Loads the YAML configuration the podscript server would read, applies
defaults and reports every validation error at once.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckConfig,
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	cmd.Printf("%s: OK\n", args[0])
	cmd.Printf("  listen addr: %s\n", cfg.Server.ListenAddr)
	cmd.Printf("  gate:        %d requests, %d streams, wait %s\n",
		cfg.Gate.MaxRequests, cfg.Gate.MaxStreams, cfg.Gate.AcquireTimeout)
	if cfg.Sessions.PostgresDSN != "" {
		cmd.Println("  sessions:    postgres")
	} else {
		cmd.Printf("  sessions:    file (%s)\n", cfg.Sessions.Dir)
	}
	if cfg.Providers.LLM.Name == "" {
		cmd.Println("  llm:         (not configured)")
	} else {
		cmd.Printf("  llm:         %s / %s, %d fallback(s)\n",
			cfg.Providers.LLM.Name, cfg.Providers.LLM.Model, len(cfg.Providers.LLMFallbacks))
	}
	return nil
}
