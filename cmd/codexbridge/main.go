// codexbridge - chat bridge to a local CLI coding assistant.
//
// Send a message from Telegram or Slack, the bridge runs it through the
// assistant CLI against a long-lived assistant session and streams the
// output back.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "codexbridge",
	Short: "codexbridge - chat bridge to a local CLI assistant",
	Long: `codexbridge bridges chat messages to a local CLI coding assistant.

  codexbridge serve                Start the bridge
  codexbridge sessions             List sessions
  codexbridge status <run-id>      Check run status
  codexbridge logs <run-id> -f     Stream run output`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("CODEXBRIDGE_SERVER", "http://localhost:7171"), "codexbridge server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
