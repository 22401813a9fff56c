package storage

// ============================================================================
// File backend
// ============================================================================
//
// All jobs live in one JSON document:
//
//   {"jobs": {"<id>": {...}}, "checksum": 2913745801, "schema_version": 1}
//
// checksum is the CRC32-IEEE of the raw "jobs" value. A document whose jobs
// do not match it is reported as ErrCorruptedSnapshot.
//
// Writes are atomic: the document is written to "<path>.tmp" and renamed
// over the original, so a crash mid-write leaves the previous version
// intact. A missing file reads as an empty store.
//
// ============================================================================

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

const schemaVersion = 1

type fileDocument struct {
	Jobs      json.RawMessage `json:"jobs"`
	Checksum  uint32          `json:"checksum"`
	SchemaVer int             `json:"schema_version"`
}

type jobSet map[string]*types.ReconciliationJob

// FileBackend stores jobs in a single JSON file.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

// NewFileBackend returns a backend writing to path. The parent directory is
// created on first write.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the file location.
func (b *FileBackend) Path() string {
	return b.path
}

// Load implements Backend.
func (b *FileBackend) Load(_ context.Context, jobID string) (*types.ReconciliationJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs, err := b.read()
	if err != nil {
		return nil, err
	}
	job, ok := jobs[jobID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return job, nil
}

// Store implements Backend. It rewrites the whole document.
func (b *FileBackend) Store(_ context.Context, jobs []*types.ReconciliationJob) error {
	if len(jobs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, err := b.read()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		stored[j.ID] = j
	}
	return b.write(stored)
}

// List implements Backend. Jobs are ordered by ID.
func (b *FileBackend) List(_ context.Context) ([]*types.ReconciliationJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs, err := b.read()
	if err != nil {
		return nil, err
	}
	out := make([]*types.ReconciliationJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) read() (jobSet, error) {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(jobSet), nil
		}
		return nil, errors.Wrap(err, "failed to read job snapshot")
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(ErrCorruptedSnapshot, "%s: %v", b.path, err)
	}
	if doc.SchemaVer != schemaVersion {
		return nil, errors.Wrapf(ErrIncompatibleVersion, "got %d, want %d", doc.SchemaVer, schemaVersion)
	}
	if sum := crc32.ChecksumIEEE(doc.Jobs); sum != doc.Checksum {
		return nil, errors.Wrapf(ErrCorruptedSnapshot, "%s: checksum %d, want %d", b.path, sum, doc.Checksum)
	}

	jobs := make(jobSet)
	if len(doc.Jobs) > 0 {
		if err := json.Unmarshal(doc.Jobs, &jobs); err != nil {
			return nil, errors.Wrapf(ErrCorruptedSnapshot, "%s: %v", b.path, err)
		}
		if jobs == nil {
			jobs = make(jobSet)
		}
	}
	return jobs, nil
}

func (b *FileBackend) write(jobs jobSet) error {
	body, err := json.Marshal(jobs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal jobs")
	}
	raw, err := json.Marshal(fileDocument{
		Jobs:      body,
		Checksum:  crc32.ChecksumIEEE(body),
		SchemaVer: schemaVersion,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal job snapshot")
	}

	if dir := filepath.Dir(b.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create snapshot directory")
		}
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "failed to write temp snapshot")
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "failed to rename snapshot")
	}
	return nil
}
