// Package dag holds the dependency graph of jobs in a pipeline. It validates
// the graph (unknown nodes, self references, cycles) and answers ordering
// queries; the scheduler drives execution over it.
package dag
