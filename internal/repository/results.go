package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iago/jobbroker/internal/blobstore"
	"github.com/iago/jobbroker/internal/domain"
	"github.com/iago/jobbroker/internal/jobid"
)

// ResultStore maps a job id to its current result record.
type ResultStore struct {
	blobs blobstore.Store
}

func NewResultStore(blobs blobstore.Store) *ResultStore {
	return &ResultStore{blobs: blobs}
}

func resultKey(jobID string) string {
	return jobID
}

func (s *ResultStore) Exists(ctx context.Context, jobID string) (bool, error) {
	if !jobid.Valid(jobID) {
		return false, domain.ErrInvalidJobID
	}
	exists, err := s.blobs.Exists(ctx, resultKey(jobID))
	if err != nil {
		return false, fmt.Errorf("check result %s: %w", jobID, err)
	}
	return exists, nil
}

// WriteResult replaces the stored record. There is no merge and no version
// check; the last writer wins.
func (s *ResultStore) WriteResult(ctx context.Context, jobID string, payload json.RawMessage) error {
	if !jobid.Valid(jobID) {
		return domain.ErrInvalidJobID
	}
	if err := s.blobs.Write(ctx, resultKey(jobID), payload); err != nil {
		return fmt.Errorf("write result %s: %w", jobID, err)
	}
	return nil
}

// ReadResult returns the raw record, or domain.ErrNotReady if none exists.
func (s *ResultStore) ReadResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	if !jobid.Valid(jobID) {
		return nil, domain.ErrInvalidJobID
	}
	data, err := s.blobs.Read(ctx, resultKey(jobID))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, domain.ErrNotReady
		}
		return nil, fmt.Errorf("read result %s: %w", jobID, err)
	}
	return data, nil
}

func (s *ResultStore) State(ctx context.Context, jobID string) (domain.JobState, error) {
	record, err := s.ReadResult(ctx, jobID)
	if err != nil {
		return domain.JobState{}, err
	}
	return domain.ParseJobState(record), nil
}
