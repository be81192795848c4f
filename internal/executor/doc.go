// Package executor runs the population model off the caller's goroutine.
//
// An Executor owns one background Worker per simulation and talks to it only
// through length-prefixed JSON frames, so every population crossing the
// boundary is a copy. Requests carry a correlation id; responses, including
// batch progress, are routed back to the pending Call that issued them.
// When a worker cannot be started the Executor can fall back to running the
// model synchronously in the caller's goroutine behind the same Call API.
package executor
