// Package engine manages simulation sessions. Each session owns its own
// executor, population and history; batch runs execute in goroutines,
// publish progress to a ProgressBroker and persist snapshots to the store
// between executor operations.
package engine
