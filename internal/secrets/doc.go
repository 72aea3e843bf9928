// Package secrets resolves the environment of a job: process environment
// passthrough, pipeline and job variables, and the secrets the job's
// permission scope allows. Resolution fails closed. A Redactor built from the
// resolved values masks them in every piece of captured output.
package secrets
