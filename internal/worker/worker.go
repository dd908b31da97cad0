// Package worker provides the background-task run loop shared by the audit
// recorder and health prober, following the teacher's internal/worker
// package: a Worker interface plus an errgroup-based Runner that cancels
// every worker if any one of them returns an error.
package worker

import "context"

// Worker is a named background task.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}
