// Package engine defines the abstraction for compute backends that host a
// single ephemeral GitHub Actions runner.  Each backend (EC2, GCP, Docker)
// implements the Engine interface so the lifecycle orchestration stays
// compute-agnostic.
package engine

import "context"

// Engine is the contract every compute backend must satisfy.
//
// One invocation manages exactly one instance.  The caller drives the
// lifecycle strictly in sequence:
//
//	StartInstance → WaitUntilRunning → (job runs) → TerminateInstance
//
// No method retries.  Every provider failure is logged with the operation
// and instance id and returned wrapped with %w, so errors.Is / errors.As
// still see the provider's own error.
type Engine interface {
	// StartInstance renders the boot script for a runner named label
	// and registered with token, and requests exactly one instance
	// carrying it.  The returned id is opaque to callers -- an EC2
	// instance id, a GCE instance name, a container id.
	StartInstance(ctx context.Context, label, token string) (id string, err error)

	// WaitUntilRunning blocks until the provider reports the instance as
	// running, or until the backend's bounded wait is exceeded.
	WaitUntilRunning(ctx context.Context, id string) error

	// TerminateInstance requests termination of exactly the instance id.
	TerminateInstance(ctx context.Context, id string) error

	// Close releases the backend's API clients.
	Close() error
}

// Tag is a key/value pair applied to the instance (and, where the
// backend supports it, to its volumes).
type Tag struct {
	Key   string `yaml:"key" json:"Key"`
	Value string `yaml:"value" json:"Value"`
}
