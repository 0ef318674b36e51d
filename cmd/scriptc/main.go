// Command scriptc compiles saved model output into a podcast script offline,
// with the same extraction and clip reconciliation the server applies to live
// generations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "scriptc",
	Short: "Offline podcast script compiler",
	Long: `scriptc turns raw model output into a JSON Lines podcast script.
User lines are matched against a clip catalogue and tagged with their audio id.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
