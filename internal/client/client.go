// Package client talks to the broker's HTTP API. Submitters use it to enqueue
// jobs and read results back; agents use it to claim jobs and report on them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/iago/jobbroker/internal/domain"
	"github.com/iago/jobbroker/internal/jobid"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 8
	maxErrorBodyBytes     = 64 << 10
)

// APIError is a non-2xx response decoded from the broker's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("broker returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("broker returned status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	baseURL    string
	http       *http.Client
	newBackOff func() backoff.BackOff
	maxRetries uint64
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithBackOff replaces the policy used between empty claims, result polls
// and retried failures.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		if newBackOff != nil {
			c.newBackOff = newBackOff
		}
	}
}

func WithMaxRetries(retries uint64) Option {
	return func(c *Client) {
		c.maxRetries = retries
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: defaultRequestTimeout},
		newBackOff: defaultBackOff,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	// Waiting is bounded by the caller's context, not by the policy.
	b.MaxElapsedTime = 0
	return b
}

// Submit enqueues job and returns its id. job must carry job_queue; a
// job_id is generated server-side when absent.
func (c *Client) Submit(ctx context.Context, job map[string]any) (string, error) {
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	response, err := c.do(ctx, http.MethodPost, "/v1/job", "application/json", bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	var body struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	return body.JobID, nil
}

// Claim makes one short-poll claim across queues. ok is false when nothing
// arrived before the server's claim timeout.
func (c *Client) Claim(ctx context.Context, queues ...string) (json.RawMessage, bool, error) {
	query := url.Values{}
	for _, queue := range queues {
		query.Add("queue", queue)
	}
	response, err := c.do(ctx, http.MethodGet, "/v1/job?"+query.Encode(), "", nil)
	if err != nil {
		return nil, false, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read claimed job: %w", err)
	}
	return payload, true, nil
}

// WaitForJob loops over short claims until a job arrives or ctx ends. Empty
// claims back off up to the policy's ceiling; transient failures are
// retried a bounded number of times.
func (c *Client) WaitForJob(ctx context.Context, queues ...string) (json.RawMessage, error) {
	idle := c.newBackOff()
	failures := backoff.WithMaxRetries(c.newBackOff(), c.maxRetries)
	idle.Reset()
	failures.Reset()

	for {
		payload, ok, err := c.Claim(ctx, queues...)
		var delay time.Duration
		switch {
		case err == nil && ok:
			return payload, nil
		case err == nil:
			failures.Reset()
			delay = idle.NextBackOff()
		case !retryable(ctx, err):
			return nil, err
		default:
			delay = failures.NextBackOff()
			if delay == backoff.Stop {
				return nil, err
			}
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) WriteResult(ctx context.Context, jobID string, result any) error {
	path, err := resultPath(jobID, "")
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return c.retry(ctx, func() error {
		return c.discard(c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(encoded)))
	})
}

// ReadResult returns domain.ErrNotReady while no record exists.
func (c *Client) ReadResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	path, err := resultPath(jobID, "")
	if err != nil {
		return nil, err
	}
	return c.readBytes(ctx, path)
}

// WaitForResult polls until the job's record is no longer a waiting or
// resubmitted placeholder.
func (c *Client) WaitForResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	b := c.newBackOff()
	b.Reset()
	for {
		record, err := c.ReadResult(ctx, jobID)
		switch {
		case err == nil:
			if state := domain.ParseJobState(record); state.Kind == domain.JobCompleted {
				return record, nil
			}
		case errors.Is(err, domain.ErrNotReady):
		case !retryable(ctx, err):
			return nil, err
		}
		if err := sleep(ctx, b.NextBackOff()); err != nil {
			return nil, err
		}
	}
}

func (c *Client) WriteArtifact(ctx context.Context, jobID string, data []byte) error {
	path, err := resultPath(jobID, "/artifact")
	if err != nil {
		return err
	}
	return c.retry(ctx, func() error {
		return c.discard(c.do(ctx, http.MethodPost, path, "application/octet-stream", bytes.NewReader(data)))
	})
}

// ReadArtifact returns domain.ErrNotReady until an artifact is uploaded.
func (c *Client) ReadArtifact(ctx context.Context, jobID string) ([]byte, error) {
	path, err := resultPath(jobID, "/artifact")
	if err != nil {
		return nil, err
	}
	return c.readBytes(ctx, path)
}

func (c *Client) AppendOutput(ctx context.Context, jobID string, chunk []byte) error {
	path, err := resultPath(jobID, "/output")
	if err != nil {
		return err
	}
	return c.retry(ctx, func() error {
		return c.discard(c.do(ctx, http.MethodPost, path, "text/plain; charset=utf-8", bytes.NewReader(chunk)))
	})
}

// DrainOutput returns the output appended since the last drain, chunks
// joined by newlines. domain.ErrNotReady means nothing new.
func (c *Client) DrainOutput(ctx context.Context, jobID string) (string, error) {
	path, err := resultPath(jobID, "/output")
	if err != nil {
		return "", err
	}
	data, err := c.readBytes(ctx, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) readBytes(ctx context.Context, path string) ([]byte, error) {
	response, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNoContent {
		return nil, domain.ErrNotReady
	}
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return response, nil
	}
	defer response.Body.Close()
	return nil, decodeAPIError(response)
}

func (c *Client) discard(response *http.Response, err error) error {
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return response.Body.Close()
}

// retry runs fn until it succeeds, fails permanently, or the retry budget
// runs out.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	b := backoff.WithMaxRetries(c.newBackOff(), c.maxRetries)
	b.Reset()
	for {
		err := fn()
		if err == nil || !retryable(ctx, err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func decodeAPIError(response *http.Response) error {
	apiErr := &APIError{StatusCode: response.StatusCode}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if err := json.Unmarshal(raw, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.RequestID = envelope.RequestID
	}

	switch apiErr.Code {
	case "invalid_job_id":
		return fmt.Errorf("%w: %s", domain.ErrInvalidJobID, apiErr.Error())
	case "invalid_request":
		return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, apiErr.Error())
	}
	return apiErr
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, domain.ErrInvalidJobID) || errors.Is(err, domain.ErrInvalidRequest) {
		return false
	}
	// Transport failures.
	return true
}

func resultPath(jobID, suffix string) (string, error) {
	if !jobid.Valid(jobID) {
		return "", domain.ErrInvalidJobID
	}
	return "/v1/result/" + url.PathEscape(jobID) + suffix, nil
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
