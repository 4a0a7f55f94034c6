package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gluk-w/vmfleet/internal/config"
	"github.com/gluk-w/vmfleet/internal/logging"
)

var logLines int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the tail of the engine log file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		tail, err := logging.ReadTail(cfg.LogFile(), logLines)
		if err != nil {
			return err
		}
		if tail != "" {
			fmt.Fprintln(cmd.OutOrStdout(), tail)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 100, "number of lines")
	rootCmd.AddCommand(logsCmd)
}
