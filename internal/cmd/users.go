package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/auth"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
)

var (
	newPassword string
	newAdmin    bool
	newCredits  int
	adjReason   string
)

var createUserCmd = &cobra.Command{
	Use:   "create-user <username>",
	Short: "Create a user; the first user needs no --as",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runCreateUser),
}

var adjustCreditsCmd = &cobra.Command{
	Use:   "adjust-credits <username> <delta>",
	Short: "Add or remove credits (admin)",
	Args:  cobra.ExactArgs(2),
	RunE:  withApp(runAdjustCredits),
}

var deleteUserCmd = &cobra.Command{
	Use:   "delete-user <username>",
	Short: "Remove a user and destroy their VMs (admin)",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runDeleteUser),
}

var listUsersCmd = &cobra.Command{
	Use:   "list-users",
	Short: "List users and balances (admin)",
	Args:  cobra.NoArgs,
	RunE:  withApp(runListUsers),
}

func init() {
	createUserCmd.Flags().StringVar(&newPassword, "new-password", "", "password for the new user")
	createUserCmd.Flags().BoolVar(&newAdmin, "admin", false, "grant admin rights")
	createUserCmd.Flags().IntVar(&newCredits, "credits", -1, "starting credits (default FLEET_DEFAULT_CREDITS)")
	createUserCmd.MarkFlagRequired("new-password")
	adjustCreditsCmd.Flags().StringVar(&adjReason, "reason", "manual adjustment", "reason recorded with the adjustment")

	rootCmd.AddCommand(createUserCmd, adjustCreditsCmd, deleteUserCmd, listUsersCmd)
}

// admin authenticates the --as user and requires admin rights.
func (a *app) admin(ctx context.Context, op string) (*database.User, error) {
	actor, err := a.actor(ctx)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin {
		return nil, apperr.Permission(op, "admin rights required")
	}
	return actor, nil
}

func (a *app) userByName(ctx context.Context, op, username string) (*database.User, error) {
	u, err := a.store.GetUserByUsername(ctx, username)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound(op, "user %q not found", username)
	}
	return u, err
}

func runCreateUser(ctx context.Context, a *app, args []string) error {
	const op = "create_user"
	existing, err := a.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	var actorID *uint
	if len(existing) > 0 {
		actor, err := a.admin(ctx, op)
		if err != nil {
			return err
		}
		actorID = &actor.ID
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	credits := newCredits
	if credits < 0 {
		credits = a.cfg.DefaultCredits
	}
	user := &database.User{
		Username:     args[0],
		PasswordHash: hash,
		Credits:      credits,
		IsActive:     true,
		IsAdmin:      newAdmin || len(existing) == 0,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return apperr.Validation(op, "user %q already exists", args[0])
		}
		return fmt.Errorf("create user: %w", err)
	}
	if _, err := a.events.Record(ctx, eventlog.Entry{
		Type:     database.EventAdmin,
		Severity: database.SeverityInfo,
		Message:  fmt.Sprintf("User %s created", user.Username),
		Details:  map[string]any{"admin": user.IsAdmin, "credits": credits, "actor_id": actorID},
		UserID:   &user.ID,
	}); err != nil {
		return err
	}
	return printJSON(rootCmd.OutOrStdout(), user)
}

func runAdjustCredits(ctx context.Context, a *app, args []string) error {
	const op = "adjust_credits"
	if _, err := a.admin(ctx, op); err != nil {
		return err
	}
	delta, err := strconv.Atoi(args[1])
	if err != nil {
		return apperr.Validation(op, "delta must be an integer: %q", args[1])
	}
	u, err := a.userByName(ctx, op, args[0])
	if err != nil {
		return err
	}
	adj, err := a.quota.Adjust(ctx, u.ID, delta, adjReason)
	if err != nil {
		return err
	}
	return printJSON(rootCmd.OutOrStdout(), adj)
}

func runDeleteUser(ctx context.Context, a *app, args []string) error {
	const op = "delete_user"
	actor, err := a.admin(ctx, op)
	if err != nil {
		return err
	}
	u, err := a.userByName(ctx, op, args[0])
	if err != nil {
		return err
	}
	out, err := a.fleet.PurgeOwner(ctx, actor, u.ID)
	if err != nil {
		return err
	}
	return printJSON(rootCmd.OutOrStdout(), out)
}

func runListUsers(ctx context.Context, a *app, _ []string) error {
	if _, err := a.admin(ctx, "list_users"); err != nil {
		return err
	}
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	return printJSON(rootCmd.OutOrStdout(), users)
}
