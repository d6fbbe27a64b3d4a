package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iago/jobbroker/internal/blobstore"
	"github.com/iago/jobbroker/internal/broker"
	"github.com/iago/jobbroker/internal/client"
	"github.com/iago/jobbroker/internal/domain"
	httpserver "github.com/iago/jobbroker/internal/http"
	"github.com/iago/jobbroker/internal/http/handlers"
	"github.com/iago/jobbroker/internal/repository"
	"github.com/iago/jobbroker/internal/service"
)

type latency struct {
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
	MaxMS float64 `json:"max_ms"`
}

// scenarioResult splits outcomes the way the broker reports them: a call
// either delivered, found nothing ready (204), or failed.
type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Delivered     int      `json:"delivered"`
	NotReady      int      `json:"not_ready"`
	NotReadyRate  float64  `json:"not_ready_rate"`
	Errors        int      `json:"errors"`
	Latency       latency  `json:"latency"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

func main() {
	target := flag.String("target", "", "broker base URL; empty starts an in-process broker")
	queue := flag.String("queue", "loadtest", "queue to submit to and claim from")
	jobsTotal := flag.Int("jobs", 400, "jobs to submit and claim")
	concurrency := flag.Int("concurrency", 16, "concurrent workers per scenario")
	outputLines := flag.Int("output-lines", 20, "output chunks appended per job")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	baseURL := *target
	environment := "remote"
	if baseURL == "" {
		server, closeServer := startLocalBroker()
		defer closeServer()
		baseURL = server.URL
		environment = "local-httptest"
	}

	c := client.New(baseURL)
	ctx := context.Background()

	jobIDs := make([]string, *jobsTotal)
	submitScenario := runScenario("submit", *jobsTotal, *concurrency, func(index int) error {
		id, err := c.Submit(ctx, map[string]any{
			domain.FieldJobQueue: *queue,
			"index":              index,
		})
		jobIDs[index] = id
		return err
	})

	claimScenario := runScenario("claim", *jobsTotal, *concurrency, func(int) error {
		claimCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_, err := c.WaitForJob(claimCtx, *queue)
		return err
	})

	outputScenario := runScenario("output_append", *jobsTotal**outputLines, *concurrency, func(index int) error {
		jobID := jobIDs[index%*jobsTotal]
		if jobID == "" {
			return errors.New("job was never submitted")
		}
		return c.AppendOutput(ctx, jobID, []byte(fmt.Sprintf("line %d", index)))
	})

	drainScenario := runScenario("output_drain", *jobsTotal, *concurrency, func(index int) error {
		_, err := c.DrainOutput(ctx, jobIDs[index])
		return err
	})

	resultScenario := runScenario("result_write_read", *jobsTotal, *concurrency, func(index int) error {
		jobID := jobIDs[index]
		if err := c.WriteResult(ctx, jobID, map[string]any{"job_state": "complete", "index": index}); err != nil {
			return err
		}
		_, err := c.ReadResult(ctx, jobID)
		return err
	})

	results := []scenarioResult{
		submitScenario,
		claimScenario,
		outputScenario,
		drainScenario,
		resultScenario,
	}
	slo := map[string]bool{
		"submit_p95_le_250ms":        submitScenario.Latency.P95MS <= 250,
		"claim_all_jobs_delivered":   claimScenario.Delivered == *jobsTotal,
		"output_append_p95_le_100ms": outputScenario.Latency.P95MS <= 100,
		"drain_found_output":         drainScenario.NotReadyRate == 0,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    environment,
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startLocalBroker() (*httptest.Server, func()) {
	logger := log.New(io.Discard, "", 0)
	memoryBroker := broker.NewMemoryBroker(logger)
	blobs := blobstore.NewMemoryStore()
	results := repository.NewResultStore(blobs)

	api := handlers.NewAPI(handlers.Dependencies{
		Jobs:      service.NewJobsService(memoryBroker, results, service.DefaultClaimTimeout),
		Output:    service.NewOutputService(memoryBroker, service.DefaultOutputExpiration),
		Results:   results,
		Artifacts: repository.NewArtifactStore(blobs),
		Logger:    logger,
		Version:   "loadtest",
	})
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		RateLimitRPS:   100000,
		RateLimitBurst: 100000,
	})

	server := httptest.NewServer(router)
	return server, func() {
		server.Close()
		_ = memoryBroker.Close()
	}
}

// runScenario fans requestFn out over concurrency workers. A
// domain.ErrNotReady from requestFn counts as not ready, not as an error.
func runScenario(name string, total, concurrency int, requestFn func(index int) error) scenarioResult {
	result := scenarioResult{Name: name, Total: total}
	if total <= 0 {
		return result
	}
	concurrency = max(concurrency, 1)

	indexes := make(chan int, total)
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)

	var (
		mu        sync.Mutex
		durations = make([]time.Duration, 0, total)
		wg        sync.WaitGroup
	)
	startedAt := time.Now()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				requestStart := time.Now()
				err := requestFn(index)
				elapsed := time.Since(requestStart)

				mu.Lock()
				durations = append(durations, elapsed)
				switch {
				case err == nil:
					result.Delivered++
				case errors.Is(err, domain.ErrNotReady):
					result.NotReady++
				default:
					result.Errors++
					if len(result.ErrorSamples) < 5 {
						result.ErrorSamples = append(result.ErrorSamples, err.Error())
					}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	result.Latency = summarize(durations)
	result.NotReadyRate = ratio(result.NotReady, total)
	if elapsed := time.Since(startedAt).Seconds(); elapsed > 0 {
		result.ThroughputRPS = math.Round(float64(total)/elapsed*100) / 100
	}
	return result
}

// summarize reports nearest-rank percentiles in milliseconds.
func summarize(durations []time.Duration) latency {
	if len(durations) == 0 {
		return latency{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	at := func(p float64) float64 {
		rank := min(max(int(math.Ceil(float64(len(durations))*p))-1, 0), len(durations)-1)
		return math.Round(float64(durations[rank].Microseconds())/10) / 100
	}
	return latency{P50MS: at(0.50), P95MS: at(0.95), P99MS: at(0.99), MaxMS: at(1)}
}

func ratio(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 10000
}
