// Package executor contains script failures at the invocation boundary.
//
// # Overview
//
// A [Sandbox] runs one invocation of a loaded unit on its own goroutine and
// converts everything that can go wrong into a [Result]: thrown errors,
// runtime faults, refused host calls, panics, deadlines and cancellation.
// Nothing a script does escapes to the caller as a panic.
//
// # Basic Usage
//
//	sb := executor.New(executor.WithDefaultTimeout(time.Second))
//	if !u.Acquire() {
//	    return // unit was superseded
//	}
//	result := sb.Invoke(ctx, u, map[string]any{"player": "steve"})
//	if !result.OK() {
//	    log.Printf("%s: %v", result.Kind, result.Err)
//	}
//
// # Deadlines
//
// When the deadline passes the unit is interrupted. If it has not stopped
// after the grace period the result is reported as [KindTimedOut] with
// Runaway set, and the unit is flagged so the manager can force it out.
// The unit reference is held until execution really ends.
package executor
