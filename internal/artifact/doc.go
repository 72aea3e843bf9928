// Package artifact stores named payloads produced by jobs. Artifacts are
// write-once per (run, name) and may carry a retention window after which
// they are treated as absent and removed by Prune.
package artifact
