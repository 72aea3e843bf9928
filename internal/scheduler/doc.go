// Package scheduler runs pipelines as dependency graphs of jobs.
//
// A Run is created by Submit once the pipeline has been validated. Each job
// of the Run starts Pending and is evaluated exactly once, when every job it
// needs is terminal. Evaluation either skips the job (upstream failure, a
// false condition, or an aborted Run) or admits it. An admitted job waits for
// its concurrency group (Blocked), then for a worker of the shared pool
// (Queued), then runs its steps (Running) until it Succeeds, Fails or is
// Cancelled.
//
// Every transition is reported to the Observer in order, under the Run's
// lock. A job's terminal transition is reported before its concurrency group
// is released, so the log seen by an Observer is a valid happens-before
// order for both `needs` edges and group hand-offs.
package scheduler
