// Package concurrency implements named concurrency groups. Each group key has
// at most one active holder. Other holders either queue in arrival order or,
// with cancel-in-progress, take the slot immediately and cooperatively cancel
// the previous holder.
//
// Holders are Runs (pipeline-level groups) and job instances (job-level
// groups). The manager never waits for a preempted holder to stop; it only
// hands it a cancellation cause.
package concurrency
