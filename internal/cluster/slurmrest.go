package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

// SlurmRestConfig configures the slurmrestd client.
type SlurmRestConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIVersion     string        `yaml:"api_version"`
	User           string        `yaml:"user"`
	Token          string        `yaml:"token"`
	WorkDir        string        `yaml:"work_dir"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

const (
	defaultAPIVersion     = "v0.0.40"
	defaultRequestTimeout = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultRetryDelay     = 500 * time.Millisecond
)

// SlurmRestClient talks to a Slurm cluster through its slurmrestd REST API.
// Transport-level failures are retried with a short bounded backoff; this is
// distinct from the job-level polling backoff, which lives in the persisted
// job record.
type SlurmRestClient struct {
	cfg  SlurmRestConfig
	http *http.Client
}

// NewSlurmRestClient creates a client for the given slurmrestd endpoint.
func NewSlurmRestClient(cfg SlurmRestConfig) *SlurmRestClient {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &SlurmRestClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// --- wire types (slurmrestd v0.0.40 subset) ---

type slurmSubmitBody struct {
	Job slurmJobDescription `json:"job"`
}

type slurmJobDescription struct {
	Name                    string      `json:"name"`
	Script                  string      `json:"script"`
	CurrentWorkingDirectory string      `json:"current_working_directory,omitempty"`
	TimeLimit               int64       `json:"time_limit,omitempty"` // minutes
	MemoryPerNode           *slurmNoVal `json:"memory_per_node,omitempty"`
	Environment             []string    `json:"environment"`
}

type slurmNoVal struct {
	Set    bool  `json:"set"`
	Number int64 `json:"number"`
}

type slurmSubmitResponse struct {
	JobID  int64           `json:"job_id"`
	Errors []slurmAPIError `json:"errors,omitempty"`
}

type slurmAPIError struct {
	Error       string `json:"error,omitempty"`
	Description string `json:"description,omitempty"`
}

type slurmJobsResponse struct {
	Jobs []struct {
		JobState []string `json:"job_state"`
		ExitCode struct {
			ReturnCode slurmNoVal `json:"return_code"`
		} `json:"exit_code"`
	} `json:"jobs"`
	Errors []slurmAPIError `json:"errors,omitempty"`
}

type slurmQueueResponse struct {
	Jobs []struct {
		JobState []string `json:"job_state"`
	} `json:"jobs"`
}

// apiErrorString renders slurmrestd error entries as a single message.
func apiErrorString(errs []slurmAPIError) string {
	if len(errs) == 0 {
		return "no error details"
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		switch {
		case e.Error != "" && e.Description != "":
			parts = append(parts, e.Error+": "+e.Description)
		case e.Error != "":
			parts = append(parts, e.Error)
		default:
			parts = append(parts, e.Description)
		}
	}
	return strings.Join(parts, "; ")
}

// Submit submits a batch script built from the request command.
func (c *SlurmRestClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	script := "#!/bin/bash\n" + req.Command + "\n"

	desc := slurmJobDescription{
		Name:                    req.Name,
		Script:                  script,
		CurrentWorkingDirectory: req.WorkDir,
		Environment:             flattenEnv(req.Environment),
	}
	if desc.CurrentWorkingDirectory == "" {
		desc.CurrentWorkingDirectory = c.cfg.WorkDir
	}
	if req.TimeLimit > 0 {
		desc.TimeLimit = int64(req.TimeLimit.Minutes())
		if desc.TimeLimit == 0 {
			desc.TimeLimit = 1
		}
	}
	if req.Memory != "" {
		mb, err := parseMemoryMB(req.Memory)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "parse memory %q: %s", req.Memory, err.Error()).WithCause(err)
		}
		desc.MemoryPerNode = &slurmNoVal{Set: true, Number: mb}
	}

	var resp slurmSubmitResponse
	status, err := c.do(ctx, http.MethodPost, "/job/submit", slurmSubmitBody{Job: desc}, &resp)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeSubmission, "submit job %q: %s", req.Name, err.Error()).WithCause(err)
	}
	if status != http.StatusOK || len(resp.Errors) > 0 {
		return "", schema.NewErrorf(schema.ErrCodeSubmission,
			"scheduler rejected job %q: %s", req.Name, apiErrorString(resp.Errors)).
			WithDetails(map[string]any{"http_status": status})
	}
	return strconv.FormatInt(resp.JobID, 10), nil
}

// Status queries one job. A 404 means the scheduler no longer knows the
// handle (purged by retention, or never existed): this is reported as state
// Unknown with a nil error, not as a query failure.
func (c *SlurmRestClient) Status(ctx context.Context, clusterJobID string) (*JobStatus, error) {
	var resp slurmJobsResponse
	status, err := c.do(ctx, http.MethodGet, "/job/"+clusterJobID, nil, &resp)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQuery, "query job %s: %s", clusterJobID, err.Error()).
			WithJob("", clusterJobID).WithCause(err)
	}
	if status == http.StatusNotFound || len(resp.Jobs) == 0 {
		return &JobStatus{RawState: SlurmStateUnknown, State: schema.JobStateUnknown}, nil
	}
	if status != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeQuery,
			"query job %s: http %d: %s", clusterJobID, status, apiErrorString(resp.Errors)).
			WithJob("", clusterJobID)
	}

	job := resp.Jobs[0]
	raw := SlurmStateUnknown
	if len(job.JobState) > 0 {
		raw = job.JobState[0]
	}
	st := &JobStatus{RawState: raw, State: MapSlurmState(raw)}
	if job.ExitCode.ReturnCode.Set {
		code := int(job.ExitCode.ReturnCode.Number)
		st.ExitCode = &code
	}
	return st, nil
}

// Cancel signals the scheduler to cancel the job. Cancelling an already
// finished job is not an error.
func (c *SlurmRestClient) Cancel(ctx context.Context, clusterJobID string) error {
	status, err := c.do(ctx, http.MethodDelete, "/job/"+clusterJobID, nil, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeQuery, "cancel job %s: %s", clusterJobID, err.Error()).
			WithJob("", clusterJobID).WithCause(err)
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return schema.NewErrorf(schema.ErrCodeQuery, "cancel job %s: http %d", clusterJobID, status).
			WithJob("", clusterJobID)
	}
	return nil
}

// QueueDepth counts our pending and running jobs on the cluster.
func (c *SlurmRestClient) QueueDepth(ctx context.Context) (int, error) {
	var resp slurmQueueResponse
	path := "/jobs"
	if c.cfg.User != "" {
		path += "?user_name=" + c.cfg.User
	}
	status, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeQuery, "query queue depth: %s", err.Error()).WithCause(err)
	}
	if status != http.StatusOK {
		return 0, schema.NewErrorf(schema.ErrCodeQuery, "query queue depth: http %d", status)
	}

	depth := 0
	for _, job := range resp.Jobs {
		if len(job.JobState) == 0 {
			continue
		}
		switch job.JobState[0] {
		case SlurmStatePending, SlurmStateRunning, SlurmStateCompleting:
			depth++
		}
	}
	return depth, nil
}

// do issues one request with bounded transport-level retries. Server errors
// (5xx) and connection failures are retried; 4xx responses are returned to
// the caller for interpretation.
func (c *SlurmRestClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/slurm/" + c.cfg.APIVersion + path

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return 0, fmt.Errorf("marshal request body: %w", err)
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.User != "" {
			req.Header.Set("X-SLURM-USER-NAME", c.cfg.User)
		}
		if c.cfg.Token != "" {
			req.Header.Set("X-SLURM-USER-TOKEN", c.cfg.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
			continue
		}

		if out != nil && len(data) > 0 {
			// A 404 body may not match the expected shape; the status code
			// carries the signal in that case.
			_ = json.Unmarshal(data, out)
		}
		return resp.StatusCode, nil
	}
	return 0, fmt.Errorf("after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func flattenEnv(env map[string]string) []string {
	// slurmrestd requires a non-empty environment.
	out := []string{"PATH=/bin:/usr/bin"}
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// parseMemoryMB parses memory strings like "100M", "2G", "512" (MB).
func parseMemoryMB(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		mult = 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "T"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
