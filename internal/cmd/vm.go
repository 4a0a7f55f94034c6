package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/fleet"
)

var (
	vmOS       string
	vmRAM      int
	vmDisk     int
	vmCPU      int
	vmOwner    string
	vmMetadata string
	vmAll      bool
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage VMs as the --as user",
}

var vmCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Provision a VM, paying its credit cost",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runVMCreate),
}

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Args:  cobra.NoArgs,
	RunE:  withApp(runVMList),
}

var vmGetCmd = &cobra.Command{
	Use:   "get <vm>",
	Short: "Show a VM by id or name",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		actor, vm, err := a.resolveVM(ctx, args[0])
		if err != nil {
			return err
		}
		vm, err = a.fleet.Get(ctx, actor, vm.ID)
		if err != nil {
			return err
		}
		return printJSON(rootCmd.OutOrStdout(), vm)
	}),
}

var vmMetadataCmd = &cobra.Command{
	Use:   "metadata <vm> <json-patch>",
	Short: "Merge a JSON object into the VM metadata; null removes a key",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		var patch map[string]any
		if err := json.Unmarshal([]byte(args[1]), &patch); err != nil {
			return apperr.Validation("update_metadata", "patch must be a JSON object: %v", err)
		}
		actor, vm, err := a.resolveVM(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := a.fleet.UpdateMetadata(ctx, actor, vm.ID, patch)
		return printOutcome(out, err)
	}),
}

var vmRefreshCmd = &cobra.Command{
	Use:   "refresh <vm>",
	Short: "Reconcile the VM record with the backend",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		actor, vm, err := a.resolveVM(ctx, args[0])
		if err != nil {
			return err
		}
		if _, err := a.fleet.Get(ctx, actor, vm.ID); err != nil {
			return err
		}
		out, err := a.fleet.Refresh(ctx, vm.ID)
		return printOutcome(out, err)
	}),
}

var vmTerminalCmd = &cobra.Command{
	Use:   "terminal <vm>",
	Short: "Open a browser terminal and keep it until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runVMTerminal),
}

// lifecycleCmd builds a subcommand for an operation taking (actor, vm id).
func lifecycleCmd(use, short string, op func(*fleet.Manager, context.Context, *database.User, uint) (*fleet.Outcome, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <vm>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			actor, vm, err := a.resolveVM(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := op(a.fleet, ctx, actor, vm.ID)
			return printOutcome(out, err)
		}),
	}
}

func init() {
	vmCreateCmd.Flags().StringVar(&vmOS, "os", "", "os type from the image catalog")
	vmCreateCmd.Flags().IntVar(&vmRAM, "ram", 1024, "memory in MB")
	vmCreateCmd.Flags().IntVar(&vmDisk, "disk", 20, "disk in GB")
	vmCreateCmd.Flags().IntVar(&vmCPU, "cpu", 1, "CPU cores")
	vmCreateCmd.Flags().StringVar(&vmOwner, "owner", "", "create for another user (admin)")
	vmCreateCmd.Flags().StringVar(&vmMetadata, "metadata", "", "initial metadata as a JSON object")
	vmCreateCmd.MarkFlagRequired("os")
	vmListCmd.Flags().BoolVar(&vmAll, "all", false, "list every VM (admin)")
	vmListCmd.Flags().StringVar(&vmOwner, "owner", "", "list another user's VMs (admin)")

	vmCmd.AddCommand(
		vmCreateCmd, vmListCmd, vmGetCmd, vmMetadataCmd, vmRefreshCmd, vmTerminalCmd,
		lifecycleCmd("start", "Start a stopped VM", (*fleet.Manager).Start),
		lifecycleCmd("stop", "Stop a running VM", (*fleet.Manager).Stop),
		lifecycleCmd("restart", "Stop then start a VM", (*fleet.Manager).Restart),
		lifecycleCmd("destroy", "Destroy a stopped VM and its backend resources", (*fleet.Manager).Destroy),
	)
	rootCmd.AddCommand(vmCmd)
}

// printOutcome prints out even on failure so the caller sees the VM state.
func printOutcome(out *fleet.Outcome, err error) error {
	if out != nil {
		if perr := printJSON(rootCmd.OutOrStdout(), out); perr != nil && err == nil {
			return perr
		}
	}
	return err
}

// resolveVM finds a VM by numeric id, or by name among the actor's VMs.
func (a *app) resolveVM(ctx context.Context, ref string) (*database.User, *database.VM, error) {
	actor, err := a.actor(ctx)
	if err != nil {
		return nil, nil, err
	}
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return actor, &database.VM{ID: uint(id)}, nil
	}
	vm, err := a.store.GetVMByName(ctx, actor.ID, ref)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, apperr.NotFound("resolve_vm", "no VM named %q", ref)
	}
	if err != nil {
		return nil, nil, err
	}
	return actor, vm, nil
}

func runVMCreate(ctx context.Context, a *app, args []string) error {
	actor, err := a.actor(ctx)
	if err != nil {
		return err
	}
	req := fleet.CreateRequest{Name: args[0], OSType: vmOS, RAMMB: vmRAM, DiskGB: vmDisk, CPUCores: vmCPU}
	if vmOwner != "" {
		owner, err := a.userByName(ctx, "create", vmOwner)
		if err != nil {
			return err
		}
		req.OwnerID = owner.ID
	}
	if vmMetadata != "" {
		if err := json.Unmarshal([]byte(vmMetadata), &req.Metadata); err != nil {
			return apperr.Validation("create", "metadata must be a JSON object: %v", err)
		}
	}
	return printOutcome(a.fleet.Create(ctx, actor, req))
}

func runVMList(ctx context.Context, a *app, _ []string) error {
	actor, err := a.actor(ctx)
	if err != nil {
		return err
	}
	ownerID := actor.ID
	switch {
	case vmAll:
		ownerID = 0
	case vmOwner != "":
		owner, err := a.userByName(ctx, "list", vmOwner)
		if err != nil {
			return err
		}
		ownerID = owner.ID
	}
	vms, err := a.fleet.List(ctx, actor, ownerID)
	if err != nil {
		return err
	}
	return printJSON(rootCmd.OutOrStdout(), vms)
}

func runVMTerminal(ctx context.Context, a *app, args []string) error {
	actor, ref, err := a.resolveVM(ctx, args[0])
	if err != nil {
		return err
	}
	vm, err := a.fleet.Get(ctx, actor, ref.ID)
	if err != nil {
		return err
	}
	s, err := a.terminals.Start(ctx, vm, actor)
	if err != nil {
		return err
	}
	info := s.Info()
	fmt.Fprintf(rootCmd.OutOrStdout(), "terminal for %s on port %d\n  user:  user\n  token: %s\n  session: %s\n",
		vm.Name, info.Port, s.Token, info.SessionID)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-sigCtx.Done():
			a.terminals.Stop(context.WithoutCancel(ctx), vm.ID, actor)
			return nil
		case <-tick.C:
			a.terminals.SweepExpired(ctx)
			if a.terminals.Get(vm.ID) == nil {
				fmt.Fprintln(rootCmd.OutOrStdout(), "terminal session ended")
				return nil
			}
		}
	}
}
