// Package agent runs the worker side of the broker: claim a job from a set
// of queues, run it while streaming output, then report the result.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/iago/jobbroker/internal/domain"
)

const (
	StatusPass = "pass"
	StatusFail = "fail"

	stateComplete = "complete"
	retryDelay    = 2 * time.Second
)

// Broker is the slice of the HTTP client the agent needs.
type Broker interface {
	WaitForJob(ctx context.Context, queues ...string) (json.RawMessage, error)
	AppendOutput(ctx context.Context, jobID string, chunk []byte) error
	WriteResult(ctx context.Context, jobID string, result any) error
	WriteArtifact(ctx context.Context, jobID string, data []byte) error
}

// Result is what a handler hands back. Fields are merged into the result
// record next to job_state and status.
type Result struct {
	Fields   map[string]any
	Artifact []byte
}

// Handler executes one job. Everything written to output reaches the
// job's output stream, one chunk per line.
type Handler interface {
	Handle(ctx context.Context, job domain.Job, output io.Writer) (Result, error)
}

type HandlerFunc func(ctx context.Context, job domain.Job, output io.Writer) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job, output io.Writer) (Result, error) {
	return f(ctx, job, output)
}

type Agent struct {
	broker  Broker
	queues  []string
	handler Handler
	logger  *log.Logger
}

func New(broker Broker, queues []string, handler Handler, logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Agent{
		broker:  broker,
		queues:  append([]string(nil), queues...),
		handler: handler,
		logger:  logger,
	}
}

// Start claims and runs jobs one at a time until ctx is canceled.
func (a *Agent) Start(ctx context.Context) error {
	if len(a.queues) == 0 {
		return fmt.Errorf("%w: agent has no queues", domain.ErrInvalidRequest)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := a.RunOnce(ctx)
		if err == nil || ctx.Err() != nil {
			continue
		}
		if errors.Is(err, domain.ErrInvalidRequest) {
			return err
		}
		a.logger.Printf("agent loop error: %v", err)

		timer := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce waits for a single job and processes it.
func (a *Agent) RunOnce(ctx context.Context) error {
	payload, err := a.broker.WaitForJob(ctx, a.queues...)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	jobID, ok := job.ID()
	if !ok {
		return fmt.Errorf("claimed job has no %s", domain.FieldJobID)
	}
	return a.process(ctx, jobID, job)
}

func (a *Agent) process(ctx context.Context, jobID string, job domain.Job) error {
	a.logger.Printf("job claimed job_id=%s queue=%s", jobID, job.Queue())

	output := newOutputWriter(ctx, a.broker, jobID, a.logger)
	result, handleErr := a.handler.Handle(ctx, job, output)
	if err := output.Close(); err != nil {
		a.logger.Printf("output stream incomplete job_id=%s: %v", jobID, err)
	}

	record := make(map[string]any, len(result.Fields)+3)
	for key, value := range result.Fields {
		record[key] = value
	}
	record[domain.FieldJobState] = stateComplete
	record["status"] = StatusPass
	if handleErr != nil {
		record["status"] = StatusFail
		record["error"] = handleErr.Error()
	}

	// Upload the artifact first so a completed record implies it is readable.
	if len(result.Artifact) > 0 {
		if err := a.broker.WriteArtifact(ctx, jobID, result.Artifact); err != nil {
			return fmt.Errorf("write artifact %s: %w", jobID, err)
		}
	}
	if err := a.broker.WriteResult(ctx, jobID, record); err != nil {
		return fmt.Errorf("write result %s: %w", jobID, err)
	}

	a.logger.Printf("job processed job_id=%s status=%s", jobID, record["status"])
	return nil
}

// outputWriter turns writes into per-line output chunks. A trailing partial
// line is sent on Close. Failed appends are logged and counted but never
// returned from Write, so a broker hiccup cannot kill the job producing the
// output.
type outputWriter struct {
	ctx    context.Context
	broker Broker
	jobID  string
	logger *log.Logger

	mu      sync.Mutex
	pending bytes.Buffer
	dropped int
	lastErr error
}

func newOutputWriter(ctx context.Context, broker Broker, jobID string, logger *log.Logger) *outputWriter {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &outputWriter{ctx: ctx, broker: broker, jobID: jobID, logger: logger}
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending.Write(p)
	for {
		line, found := cutLine(w.pending.Bytes())
		if !found {
			break
		}
		chunk := append([]byte(nil), line...)
		w.pending.Next(len(line) + 1)
		w.send(chunk)
	}
	return len(p), nil
}

// Close flushes the partial line and reports whether any chunk was lost.
func (w *outputWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.Len() > 0 {
		chunk := append([]byte(nil), w.pending.Bytes()...)
		w.pending.Reset()
		w.send(chunk)
	}
	if w.dropped > 0 {
		return fmt.Errorf("%d output chunks dropped: %w", w.dropped, w.lastErr)
	}
	return nil
}

func (w *outputWriter) send(chunk []byte) {
	if w.ctx.Err() != nil {
		w.dropped++
		w.lastErr = w.ctx.Err()
		return
	}
	if err := w.broker.AppendOutput(w.ctx, w.jobID, chunk); err != nil {
		if w.dropped == 0 {
			w.logger.Printf("append output failed job_id=%s: %v", w.jobID, err)
		}
		w.dropped++
		w.lastErr = err
	}
}

func cutLine(data []byte) ([]byte, bool) {
	index := bytes.IndexByte(data, '\n')
	if index < 0 {
		return nil, false
	}
	return data[:index], true
}
