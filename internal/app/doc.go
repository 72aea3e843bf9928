// Package app wires the engine together: definitions, actions, secret
// resolution, environments, artifacts and run history. It exposes the
// one-shot run used by the CLI and the long-running server with its HTTP
// API and cron triggers, decoupled from any specific entrypoint.
package app
