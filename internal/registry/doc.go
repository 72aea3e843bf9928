// Package registry maps the action names used by `uses:` steps to the Go
// handlers that implement them.
//
// Every module under modules/ registers its handlers into an instance-scoped
// Registry during startup. A handler declares its inputs as a struct with
// `cty:"name"` tags; the registry decodes a step's `with` values into that
// struct, rejecting unknown keys and missing required ones, before calling
// the handler.
package registry
