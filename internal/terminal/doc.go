// Package terminal runs browser terminal sessions for running VMs.
//
// Each session is a bridge process (ttyd by default) listening on a port from a
// bounded range and wired to the backend's console command for the VM. The
// [Manager] keeps at most one live session per VM and protects each session
// with a random token that [Manager.VerifyAccess] checks in constant time.
//
// # Session Lifecycle
//
//  1. [Manager.Start] allocates a port, generates a token and spawns the
//     bridge. A second Start for the same VM returns the live session to the
//     user who opened it or to an admin, and is refused for anyone else.
//
//  2. [Manager.VerifyAccess] gates every connection and refreshes the
//     session's activity timestamp.
//
//  3. [Manager.Stop] terminates the bridge, escalating to a kill after the
//     grace period. The port is held back from allocation until the process
//     has exited.
//
//  4. [Manager.SweepExpired] stops sessions whose bridge died or that have
//     been idle longer than the idle timeout. [Manager.StopAll] stops
//     everything.
//
// Every start, stop and access denial is recorded as a terminal Event.
package terminal
