// callctl places test calls against a running relay and inspects its rooms.
// It stands in for a real client app: synthetic media, real WebRTC transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "callctl",
	Short: "Place and inspect 1:1 calls against an eduease call relay",
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
