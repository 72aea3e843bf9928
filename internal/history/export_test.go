package history

import "context"

// StallWriter queues a write that holds the writer goroutine until release is
// closed.
func (s *Store) StallWriter(release <-chan struct{}) {
	s.enqueue(write{what: "stall", fn: func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}})
}
