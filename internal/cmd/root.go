package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	asUser     string
	asPassword string
)

var rootCmd = &cobra.Command{
	Use:   "vmfleet",
	Short: "vmfleet - self-service VM fleet engine",
	Long: `vmfleet provisions VMs against a credit quota, serves browser terminals
for them and correlates security events.

Run the engine:
  vmfleet serve

Bootstrap an operator:
  vmfleet create-user root --new-password ... --admin

Act as a user:
  vmfleet --as alice vm create web --os ubuntu-22.04 --ram 1024 --disk 50 --cpu 3
  vmfleet --as alice vm list

Configuration is read from FLEET_* environment variables.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&asUser, "as", "", "username to act as")
	rootCmd.PersistentFlags().StringVar(&asPassword, "password", os.Getenv("FLEET_PASSWORD"), "password for --as (default $FLEET_PASSWORD)")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
