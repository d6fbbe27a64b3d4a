package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/iago/jobbroker/internal/blobstore"
	"github.com/iago/jobbroker/internal/domain"
	"github.com/iago/jobbroker/internal/jobid"
)

// ArtifactStore maps a job id to its artifact bundle. Keys carry an
// ".artifact" suffix so they never collide with result records, which may
// share the same backing store.
type ArtifactStore struct {
	blobs blobstore.Store
}

func NewArtifactStore(blobs blobstore.Store) *ArtifactStore {
	return &ArtifactStore{blobs: blobs}
}

func artifactKey(jobID string) string {
	return jobID + ".artifact"
}

func (s *ArtifactStore) WriteArtifact(ctx context.Context, jobID string, data []byte) error {
	if !jobid.Valid(jobID) {
		return domain.ErrInvalidJobID
	}
	if err := s.blobs.Write(ctx, artifactKey(jobID), data); err != nil {
		return fmt.Errorf("write artifact %s: %w", jobID, err)
	}
	return nil
}

func (s *ArtifactStore) ReadArtifact(ctx context.Context, jobID string) ([]byte, error) {
	if !jobid.Valid(jobID) {
		return nil, domain.ErrInvalidJobID
	}
	data, err := s.blobs.Read(ctx, artifactKey(jobID))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, domain.ErrNotReady
		}
		return nil, fmt.Errorf("read artifact %s: %w", jobID, err)
	}
	return data, nil
}
