package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vyvo/buildfarm/pkg/store"
)

// ErrAPINotFound is returned when the dispatcher reports a missing resource.
var ErrAPINotFound = errors.New("resource not found")

// Client talks to the dispatcher's management API over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a management API client with sane defaults. apiKey is
// only needed for mutating calls and may be empty otherwise.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAPINotFound
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("GET %s failed: %s", path, strings.TrimSpace(string(payload)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// ListWorkers returns every worker known to the dispatcher.
func (c *Client) ListWorkers(ctx context.Context) ([]store.Worker, error) {
	var out struct {
		Workers []store.Worker `json:"workers"`
	}
	if err := c.get(ctx, "/v1/workers", &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

// GetWorker fetches one worker record.
func (c *Client) GetWorker(ctx context.Context, name string) (store.Worker, error) {
	var out struct {
		Worker store.Worker `json:"worker"`
	}
	if err := c.get(ctx, "/v1/workers/"+name, &out); err != nil {
		return store.Worker{}, err
	}
	return out.Worker, nil
}

// WorkerEvents fetches the recorded lifecycle events for a worker.
func (c *Client) WorkerEvents(ctx context.Context, name string) ([]store.WorkerEvent, error) {
	var out struct {
		Events []store.WorkerEvent `json:"events"`
	}
	if err := c.get(ctx, "/v1/workers/"+name+"/events", &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// ConfirmClean reports that external VM management has finished resetting a
// worker, flipping it from CLEANING back to CLEAN.
func (c *Client) ConfirmClean(ctx context.Context, name string) error {
	path := "/v1/workers/" + name + "/clean-confirm"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("confirm clean: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAPINotFound
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("confirm clean failed: %s", strings.TrimSpace(string(payload)))
	}
	return nil
}

// GetJob fetches one build job record.
func (c *Client) GetJob(ctx context.Context, jobID string) (store.BuildJob, error) {
	var out struct {
		Job store.BuildJob `json:"job"`
	}
	if err := c.get(ctx, "/v1/jobs/"+jobID, &out); err != nil {
		return store.BuildJob{}, err
	}
	return out.Job, nil
}

// LogTail fetches the latest log tail for a running build.
func (c *Client) LogTail(ctx context.Context, jobID string) (string, error) {
	var out struct {
		LogTail string `json:"logtail"`
	}
	if err := c.get(ctx, "/v1/jobs/"+jobID+"/logtail", &out); err != nil {
		return "", err
	}
	return out.LogTail, nil
}
