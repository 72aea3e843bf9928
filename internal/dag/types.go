package dag

import (
	"sort"
	"sync"
)

// Graph is the `needs` graph of a pipeline: an edge from A to B means job B
// needs job A. All operations on the graph are concurrency-safe.
type Graph struct {
	mutex sync.RWMutex
	nodes map[string]*node
}

// node is un-exported to keep callers on the string-ID API.
type node struct {
	id string
	// deps holds the predecessors of this node.
	deps map[string]*node
	// dependents holds the successors of this node.
	dependents map[string]*node
}

func sortedIDs(m map[string]*node) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
