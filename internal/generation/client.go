package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arbor-research/arbor/internal/circuitbreaker"
	"github.com/arbor-research/arbor/internal/metrics"
	"github.com/arbor-research/arbor/internal/tracing"
)

// Job states reported by the generation service for async model classes.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

var (
	// ErrRateLimited marks a 429 from the generation service. Callers retry;
	// the failure is never terminal for the task.
	ErrRateLimited = errors.New("generation service rate limited")

	// ErrJobNotFound marks a poll for an unknown or expired job id.
	ErrJobNotFound = errors.New("generation job not found")
)

// Config holds client construction parameters.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// Client talks to the content generation service. Sync generation blocks for
// the full run; async generation goes through Submit and Poll.
type Client struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a generation service client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = int(rps)
	}

	httpClient := &http.Client{Timeout: timeout}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    circuitbreaker.NewHTTPWrapper(httpClient, "generation", logger),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// GenerateRequest is one synchronous generation call.
type GenerateRequest struct {
	Prompt         string                 `json:"prompt"`
	ModelID        string                 `json:"model_id"`
	Context        map[string]interface{} `json:"context,omitempty"`
	MaxTimeSeconds int                    `json:"max_time_seconds,omitempty"`
}

// GenerateResponse is the synchronous generation result.
type GenerateResponse struct {
	Content string `json:"content"`
	ModelID string `json:"model_id"`
}

// SubmitResponse carries the job handle for an async generation.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// JobStatus is one poll result for an async generation job.
type JobStatus struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
	Progress string `json:"progress,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (s *JobStatus) Terminal() bool {
	return s.Status == JobCompleted || s.Status == JobFailed
}

// Generate runs one synchronous generation call. The server bounds the run
// by MaxTimeSeconds; the client context should allow at least that long.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	start := time.Now()
	var resp GenerateResponse
	err := c.post(ctx, "/v1/generate", req, &resp)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordGenerationRequest("generate", status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit enqueues an async generation job and returns its id.
func (c *Client) Submit(ctx context.Context, req GenerateRequest) (string, error) {
	start := time.Now()
	var resp SubmitResponse
	err := c.post(ctx, "/v1/jobs", req, &resp)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordGenerationRequest("submit", status, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("generation service returned empty job id")
	}
	return resp.JobID, nil
}

// Poll fetches the current status of an async job.
func (c *Client) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	metrics.GenerationPolls.Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrJobNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("poll job %s: status %d: %s", jobID, resp.StatusCode, body)
	}

	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &status, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, c.baseURL+path)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
