// Package expr evaluates the expression language used by pipeline
// definitions: job conditions, concurrency group templates, step commands and
// action inputs. Expressions use HCL native syntax and are evaluated against
// an explicit set of variables (trigger, github, env, secrets); nothing is
// read from ambient state.
//
// Conditions may call the status functions success(), failure(), always()
// and cancelled(). A condition that calls none of them is implicitly
// combined with success() by the scheduler.
package expr
