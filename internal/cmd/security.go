package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
)

var (
	statsWindow    time.Duration
	activityWindow time.Duration
	eventsWindow   time.Duration
	bfWindow       time.Duration
	secThreshold   int
	secTypes       []string
	secSeverity    []string
	secVM          uint
	secLimit       int
	secFailed      bool
	secSource      string
	secDays        int
	secAlertVM     uint
)

var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Security events and correlation (admin)",
}

var secStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Event counts by type and severity over a window",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		if _, err := a.admin(ctx, "stats"); err != nil {
			return err
		}
		stats, err := a.security.Statistics(ctx, statsWindow)
		if err != nil {
			return err
		}
		return printJSON(rootCmd.OutOrStdout(), stats)
	}),
}

var secActivityCmd = &cobra.Command{
	Use:   "activity <username>",
	Short: "Summarize a user's recent activity",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		actor, err := a.actor(ctx)
		if err != nil {
			return err
		}
		u, err := a.userByName(ctx, "activity", args[0])
		if err != nil {
			return err
		}
		if !actor.IsAdmin && actor.ID != u.ID {
			return apperr.Permission("activity", "admin rights required")
		}
		sum, err := a.security.UserActivity(ctx, u.ID, activityWindow)
		if err != nil {
			return err
		}
		return printJSON(rootCmd.OutOrStdout(), sum)
	}),
}

var secEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent events, newest first",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		if _, err := a.admin(ctx, "events"); err != nil {
			return err
		}
		f := database.EventFilter{Limit: secLimit}
		if eventsWindow > 0 {
			f.Since = time.Now().Add(-eventsWindow)
		}
		for _, t := range secTypes {
			f.Types = append(f.Types, database.EventType(t))
		}
		for _, s := range secSeverity {
			f.Severities = append(f.Severities, database.Severity(s))
		}
		if secVM != 0 {
			f.VMID = &secVM
		}
		events, err := a.security.RecentEvents(ctx, f)
		if err != nil {
			return err
		}
		return printJSON(rootCmd.OutOrStdout(), events)
	}),
}

var secAttemptCmd = &cobra.Command{
	Use:   "attempt <vm-id> <username>",
	Short: "Record an authentication attempt seen on a VM and check for brute force",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if _, err := a.admin(ctx, "record_attempt"); err != nil {
			return err
		}
		vmID, err := parseVMID(args[0])
		if err != nil {
			return err
		}
		ev, err := a.security.RecordAttempt(ctx, vmID, !secFailed, args[1], secSource)
		if err != nil {
			return err
		}
		out := map[string]any{"event": ev}
		if secFailed {
			attack, failures, err := a.security.DetectBruteForce(ctx, vmID, 0, 0)
			if err != nil {
				return err
			}
			out["brute_force"] = attack
			out["recent_failures"] = failures
		}
		return printJSON(rootCmd.OutOrStdout(), out)
	}),
}

var secIngestCmd = &cobra.Command{
	Use:   "ingest-ssh-log <vm-id> [file]",
	Short: "Record the login attempts found in a VM's sshd log (stdin when no file)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if _, err := a.admin(ctx, "ingest_ssh_log"); err != nil {
			return err
		}
		vmID, err := parseVMID(args[0])
		if err != nil {
			return err
		}
		var r io.Reader = rootCmd.InOrStdin()
		if len(args) == 2 && args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return fmt.Errorf("open ssh log: %w", err)
			}
			defer f.Close()
			r = f
		}
		res, err := a.security.IngestSSHLog(ctx, vmID, r)
		if err != nil {
			return err
		}
		return printJSON(rootCmd.OutOrStdout(), res)
	}),
}

var secBruteForceCmd = &cobra.Command{
	Use:   "brute-force <vm-id>",
	Short: "Check a VM for repeated failed logins",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if _, err := a.admin(ctx, "brute_force"); err != nil {
			return err
		}
		vmID, err := parseVMID(args[0])
		if err != nil {
			return err
		}
		attack, failures, err := a.security.DetectBruteForce(ctx, vmID, bfWindow, secThreshold)
		if err != nil {
			return err
		}
		return printJSON(rootCmd.OutOrStdout(), map[string]any{"brute_force": attack, "recent_failures": failures})
	}),
}

var secAlertCmd = &cobra.Command{
	Use:   "resource-alert <resource> <value> <threshold>",
	Short: "Record a resource usage alert for the host or a VM",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if _, err := a.admin(ctx, "resource_alert"); err != nil {
			return err
		}
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return apperr.Validation("resource_alert", "value must be a number: %q", args[1])
		}
		threshold, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return apperr.Validation("resource_alert", "threshold must be a number: %q", args[2])
		}
		var vmID *uint
		if secAlertVM != 0 {
			vmID = &secAlertVM
		}
		ev, err := a.security.RecordResourceAlert(ctx, args[0], value, threshold, vmID)
		if err != nil {
			return err
		}
		return printJSON(rootCmd.OutOrStdout(), ev)
	}),
}

var secPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete events older than the retention period",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		if _, err := a.admin(ctx, "purge"); err != nil {
			return err
		}
		n, err := a.security.PurgeOlderThan(ctx, secDays)
		if err != nil {
			return err
		}
		return printJSON(rootCmd.OutOrStdout(), map[string]any{"deleted": n})
	}),
}

func parseVMID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Validation("parse", "invalid VM id %q", s)
	}
	return uint(id), nil
}

func init() {
	secStatsCmd.Flags().DurationVar(&statsWindow, "window", 24*time.Hour, "trailing window")
	secActivityCmd.Flags().DurationVar(&activityWindow, "window", 24*time.Hour, "trailing window")
	secEventsCmd.Flags().DurationVar(&eventsWindow, "window", 0, "trailing window (default 24h)")
	secEventsCmd.Flags().StringSliceVar(&secTypes, "type", nil, "event types to include")
	secEventsCmd.Flags().StringSliceVar(&secSeverity, "severity", nil, "severities to include")
	secEventsCmd.Flags().UintVar(&secVM, "vm", 0, "only events for this VM id")
	secEventsCmd.Flags().IntVar(&secLimit, "limit", 0, "maximum number of events")
	secAttemptCmd.Flags().BoolVar(&secFailed, "failed", false, "the attempt failed")
	secAttemptCmd.Flags().StringVar(&secSource, "source", "", "source IP of the attempt")
	secBruteForceCmd.Flags().DurationVar(&bfWindow, "window", 0, "detection window (default FLEET_BRUTE_FORCE_WINDOW)")
	secBruteForceCmd.Flags().IntVar(&secThreshold, "threshold", 0, "failures that count as an attack (default FLEET_BRUTE_FORCE_THRESHOLD)")
	secAlertCmd.Flags().UintVar(&secAlertVM, "vm", 0, "VM id the alert is about")
	secPurgeCmd.Flags().IntVar(&secDays, "days", 0, "retention in days (default FLEET_EVENT_RETENTION_DAYS)")

	securityCmd.AddCommand(secStatsCmd, secActivityCmd, secEventsCmd, secAttemptCmd, secIngestCmd, secBruteForceCmd, secAlertCmd, secPurgeCmd)
	rootCmd.AddCommand(securityCmd)
}
