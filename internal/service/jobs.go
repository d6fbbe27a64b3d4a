package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iago/jobbroker/internal/broker"
	"github.com/iago/jobbroker/internal/domain"
	"github.com/iago/jobbroker/internal/jobid"
	"github.com/iago/jobbroker/internal/repository"
)

const DefaultClaimTimeout = time.Second

type JobsService struct {
	broker       broker.Broker
	results      *repository.ResultStore
	claimTimeout time.Duration
}

func NewJobsService(b broker.Broker, results *repository.ResultStore, claimTimeout time.Duration) *JobsService {
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	return &JobsService{broker: b, results: results, claimTimeout: claimTimeout}
}

type Submission struct {
	JobID string
	State domain.JobStateKind
}

// Submit enqueues job on its job_queue and records the initial placeholder
// result. A job_id is generated when the caller did not supply one.
//
// The push happens before the placeholder write and the two are not atomic:
// a crash in between leaves a queued job with no result record yet.
func (s *JobsService) Submit(ctx context.Context, job domain.Job) (Submission, error) {
	queue := job.Queue()
	if queue == "" {
		return Submission{}, fmt.Errorf("%w: no job_queue specified", domain.ErrInvalidRequest)
	}

	record := make(domain.Job, len(job)+1)
	for key, value := range job {
		record[key] = value
	}

	id, ok := job.ID()
	if !ok {
		id = jobid.New()
		record[domain.FieldJobID] = id
	} else if !jobid.Valid(id) {
		return Submission{}, domain.ErrInvalidJobID
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return Submission{}, fmt.Errorf("%w: encode job: %v", domain.ErrInvalidRequest, err)
	}
	if err := s.broker.Push(ctx, queue, encoded); err != nil {
		return Submission{}, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	exists, err := s.results.Exists(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	state := domain.JobWaiting
	if exists {
		state = domain.JobResubmitted
	}
	if err := s.results.WriteResult(ctx, id, domain.PlaceholderRecord(state)); err != nil {
		return Submission{}, err
	}

	return Submission{JobID: id, State: state}, nil
}

// Claim takes one job from the first of queues that has one, waiting at most
// the claim timeout. ok is false when nothing arrived in time; callers that
// want to wait longer call Claim again.
func (s *JobsService) Claim(ctx context.Context, queues []string) (json.RawMessage, bool, error) {
	names := make([]string, 0, len(queues))
	for _, queue := range queues {
		if trimmed := strings.TrimSpace(queue); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	if len(names) == 0 {
		return nil, false, fmt.Errorf("%w: no queue(s) specified", domain.ErrInvalidRequest)
	}

	msg, ok, err := s.broker.BlockingPopAny(ctx, names, s.claimTimeout)
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return msg.Payload, true, nil
}
