package service

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/jobbroker/internal/broker"
	"github.com/iago/jobbroker/internal/domain"
	"github.com/iago/jobbroker/internal/jobid"
)

// DefaultOutputExpiration is how long an output stream survives without an
// append before the broker may reclaim it.
const DefaultOutputExpiration = 4 * time.Hour

type OutputService struct {
	broker     broker.Broker
	expiration time.Duration
}

func NewOutputService(b broker.Broker, expiration time.Duration) *OutputService {
	if expiration <= 0 {
		expiration = DefaultOutputExpiration
	}
	return &OutputService{broker: b, expiration: expiration}
}

// Append adds chunk to the end of the job's output stream and re-arms the
// inactivity expiry.
func (s *OutputService) Append(ctx context.Context, jobID string, chunk []byte) error {
	if !jobid.Valid(jobID) {
		return domain.ErrInvalidJobID
	}
	key := broker.StreamKey(jobID)
	if err := s.broker.Append(ctx, key, chunk); err != nil {
		return fmt.Errorf("append output %s: %w", jobID, err)
	}
	if err := s.broker.Expire(ctx, key, s.expiration); err != nil {
		return fmt.Errorf("expire output %s: %w", jobID, err)
	}
	return nil
}

// Drain returns every chunk appended since the previous drain, in order, and
// clears them. An empty result means nothing new yet.
func (s *OutputService) Drain(ctx context.Context, jobID string) ([][]byte, error) {
	if !jobid.Valid(jobID) {
		return nil, domain.ErrInvalidJobID
	}
	chunks, err := s.broker.ReadAllAndClear(ctx, broker.StreamKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("drain output %s: %w", jobID, err)
	}
	return chunks, nil
}
