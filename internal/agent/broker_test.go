package agent

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/iago/jobbroker/internal/blobstore"
	"github.com/iago/jobbroker/internal/broker"
	"github.com/iago/jobbroker/internal/client"
	httpserver "github.com/iago/jobbroker/internal/http"
	"github.com/iago/jobbroker/internal/http/handlers"
	"github.com/iago/jobbroker/internal/repository"
	"github.com/iago/jobbroker/internal/service"
)

func TestChattyJobSurvivesRateLimiting(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	logger := log.New(io.Discard, "", 0)
	memoryBroker := broker.NewMemoryBroker(logger)
	blobs := blobstore.NewMemoryStore()
	results := repository.NewResultStore(blobs)
	output := service.NewOutputService(memoryBroker, 0)
	api := handlers.NewAPI(handlers.Dependencies{
		Jobs:      service.NewJobsService(memoryBroker, results, 50*time.Millisecond),
		Output:    output,
		Results:   results,
		Artifacts: repository.NewArtifactStore(blobs),
		Logger:    logger,
	})
	server := httptest.NewServer(httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		RateLimitRPS:   200,
		RateLimitBurst: 5,
	}))
	defer server.Close()
	defer memoryBroker.Close()

	c := client.New(server.URL,
		client.WithHTTPClient(server.Client()),
		client.WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }),
		client.WithMaxRetries(200),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	jobID, err := c.Submit(ctx, map[string]any{"job_queue": "q", "command": "seq 1 60"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := New(c, []string{"q"}, ShellHandler{}, logger).RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	raw, err := results.ReadResult(ctx, jobID)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if record["status"] != StatusPass || record["exit_code"] != float64(0) {
		t.Fatalf("expected passing record, got %s", raw)
	}

	chunks, err := output.Drain(ctx, jobID)
	if err != nil {
		t.Fatalf("drain output: %v", err)
	}
	if len(chunks) != 60 || string(chunks[0]) != "1" || string(chunks[59]) != "60" {
		t.Fatalf("expected 60 ordered lines, got %d", len(chunks))
	}
}
