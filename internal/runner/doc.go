// Package runner provisions execution environments and runs the steps of a
// job on them. A job gets a fresh environment (a workspace directory, plus a
// container image for docker environments) that persists across its steps
// and is discarded afterwards.
package runner
