package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/jobbroker/internal/domain"
	"github.com/iago/jobbroker/internal/jobid"
)

type fakeBroker struct {
	mu        sync.Mutex
	jobs      []json.RawMessage
	output    map[string][]string
	results   map[string]map[string]any
	artifacts map[string][]byte
	claimErr  error
	appendErr error
}

func newFakeBroker(jobs ...map[string]any) *fakeBroker {
	b := &fakeBroker{
		output:    make(map[string][]string),
		results:   make(map[string]map[string]any),
		artifacts: make(map[string][]byte),
	}
	for _, job := range jobs {
		encoded, _ := json.Marshal(job)
		b.jobs = append(b.jobs, encoded)
	}
	return b
}

func (b *fakeBroker) WaitForJob(ctx context.Context, queues ...string) (json.RawMessage, error) {
	b.mu.Lock()
	if b.claimErr != nil {
		err := b.claimErr
		b.mu.Unlock()
		return nil, err
	}
	if len(b.jobs) > 0 {
		job := b.jobs[0]
		b.jobs = b.jobs[1:]
		b.mu.Unlock()
		return job, nil
	}
	b.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *fakeBroker) AppendOutput(_ context.Context, jobID string, chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendErr != nil {
		return b.appendErr
	}
	b.output[jobID] = append(b.output[jobID], string(chunk))
	return nil
}

func (b *fakeBroker) WriteResult(_ context.Context, jobID string, result any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return err
	}
	b.results[jobID] = decoded
	return nil
}

func (b *fakeBroker) WriteArtifact(_ context.Context, jobID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.artifacts[jobID] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBroker) result(jobID string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results[jobID]
}

func TestRunOnceStreamsOutputAndReportsResult(t *testing.T) {
	jobID := jobid.New()
	fake := newFakeBroker(map[string]any{"job_id": jobID, "job_queue": "rpi4"})
	handler := HandlerFunc(func(ctx context.Context, job domain.Job, output io.Writer) (Result, error) {
		fmt.Fprint(output, "step one\nstep ")
		fmt.Fprint(output, "two\n")
		fmt.Fprint(output, "partial")
		return Result{Fields: map[string]any{"serial": "abc"}, Artifact: []byte("logs.tgz")}, nil
	})

	agent := New(fake, []string{"rpi4"}, handler, nil)
	if err := agent.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if got := strings.Join(fake.output[jobID], "|"); got != "step one|step two|partial" {
		t.Fatalf("expected per-line chunks, got %q", got)
	}
	record := fake.result(jobID)
	if record["job_state"] != "complete" || record["status"] != StatusPass || record["serial"] != "abc" {
		t.Fatalf("unexpected result record %+v", record)
	}
	if string(fake.artifacts[jobID]) != "logs.tgz" {
		t.Fatalf("expected artifact upload, got %q", fake.artifacts[jobID])
	}
}

func TestRunOnceReportsHandlerFailure(t *testing.T) {
	jobID := jobid.New()
	fake := newFakeBroker(map[string]any{"job_id": jobID, "job_queue": "q"})
	handler := HandlerFunc(func(ctx context.Context, job domain.Job, output io.Writer) (Result, error) {
		return Result{}, errors.New("device unreachable")
	})

	if err := New(fake, []string{"q"}, handler, nil).RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	record := fake.result(jobID)
	if record["status"] != StatusFail || record["error"] != "device unreachable" {
		t.Fatalf("expected failure record, got %+v", record)
	}
	if domain.ParseJobState(mustJSON(t, record)).Kind != domain.JobCompleted {
		t.Fatalf("expected failure record to count as completed")
	}
}

func TestOutputFailuresDoNotFailJob(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	jobID := jobid.New()
	fake := newFakeBroker(map[string]any{"job_id": jobID, "job_queue": "q", "command": "seq 1 500"})
	fake.appendErr = errors.New("broker returned status 429")

	if err := New(fake, []string{"q"}, ShellHandler{}, nil).RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	record := fake.result(jobID)
	if record["status"] != StatusPass || record["exit_code"] != float64(0) {
		t.Fatalf("expected command to pass despite lost output, got %+v", record)
	}
}

func TestRunOnceRejectsJobWithoutID(t *testing.T) {
	fake := newFakeBroker(map[string]any{"job_queue": "q"})
	handler := HandlerFunc(func(ctx context.Context, job domain.Job, output io.Writer) (Result, error) {
		t.Fatalf("handler must not run")
		return Result{}, nil
	})
	if err := New(fake, []string{"q"}, handler, nil).RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error for job without id")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	first, second := jobid.New(), jobid.New()
	fake := newFakeBroker(
		map[string]any{"job_id": first, "job_queue": "q"},
		map[string]any{"job_id": second, "job_queue": "q"},
	)
	processed := make(chan string, 2)
	handler := HandlerFunc(func(ctx context.Context, job domain.Job, output io.Writer) (Result, error) {
		id, _ := job.ID()
		processed <- id
		return Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(fake, []string{"q"}, handler, nil).Start(ctx) }()

	for _, want := range []string{first, second} {
		select {
		case got := <-processed:
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("agent did not stop")
	}
}

func TestStartRequiresQueues(t *testing.T) {
	err := New(newFakeBroker(), nil, ShellHandler{}, nil).Start(context.Background())
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestShellHandler(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	jobID := jobid.New()
	fake := newFakeBroker(
		map[string]any{"job_id": jobID, "job_queue": "q", "command": "echo hello; echo world; exit 3"},
	)
	if err := New(fake, []string{"q"}, ShellHandler{}, nil).RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := strings.Join(fake.output[jobID], "|"); got != "hello|world" {
		t.Fatalf("expected streamed lines, got %q", got)
	}
	record := fake.result(jobID)
	if record["status"] != StatusFail || record["exit_code"] != float64(3) {
		t.Fatalf("expected exit code 3 failure, got %+v", record)
	}

	_, err := ShellHandler{}.Handle(context.Background(), domain.Job{}, io.Discard)
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing command, got %v", err)
	}
}

func mustJSON(t *testing.T, value any) []byte {
	t.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return encoded
}
