// Package storage persists reconciliation jobs behind a write buffer and a
// read cache.
package storage

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

var (
	// ErrNotFound is returned by a Backend when a job does not exist.
	ErrNotFound = errors.New("reconciliation job not found")
	// ErrCorruptedSnapshot is returned when a persisted file cannot be decoded.
	ErrCorruptedSnapshot = errors.New("job snapshot is corrupted")
	// ErrIncompatibleVersion is returned for an unknown schema version.
	ErrIncompatibleVersion = errors.New("job snapshot schema version is incompatible")
)

// Backend is durable job storage.
type Backend interface {
	// Load returns one job or ErrNotFound.
	Load(ctx context.Context, jobID string) (*types.ReconciliationJob, error)
	// Store upserts jobs.
	Store(ctx context.Context, jobs []*types.ReconciliationJob) error
	// List returns every stored job.
	List(ctx context.Context) ([]*types.ReconciliationJob, error)
	Close() error
}
