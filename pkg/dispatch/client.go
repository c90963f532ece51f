package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const ensurePresentTimeoutFactor = 5

// WorkerStatus is the structured status a worker reports over RPC.
type WorkerStatus struct {
	BuilderStatus string            `json:"builder_status"`
	BuildStatus   string            `json:"build_status,omitempty"`
	BuildID       string            `json:"build_id,omitempty"`
	LogTail       string            `json:"logtail,omitempty"`
	Filemap       map[string]string `json:"filemap,omitempty"`
	Dependencies  string            `json:"dependencies,omitempty"`
}

// WorkerInfo describes the protocol version and methods a worker supports.
type WorkerInfo struct {
	ProtocolVersion string   `json:"protocol_version"`
	Methods         []string `json:"methods"`
	Arch            []string `json:"arch,omitempty"`
}

// FilePair names one result file to download: the content digest on the
// worker and the local destination path.
type FilePair struct {
	Digest string
	Path   string
}

// WorkerAPI is the remote surface of one build worker. Implementations must
// honour the per-call timeout discipline: a hung transport is cancelled and
// reported as a failure, never waited out.
type WorkerAPI interface {
	Abort(ctx context.Context) error
	Clean(ctx context.Context) error
	Echo(ctx context.Context, args ...string) ([]string, error)
	Info(ctx context.Context) (WorkerInfo, error)
	Status(ctx context.Context) (WorkerStatus, error)
	EnsurePresent(ctx context.Context, digest, fileURL, username, password string) (bool, string, error)
	SendFile(ctx context.Context, digest, fileURL, username, password string) error
	Build(ctx context.Context, buildID, builderType, chrootDigest string, filemap map[string]string, args map[string]string) error
	GetURL(digest string) string
	GetFile(ctx context.Context, digest, destination string) error
	GetFiles(ctx context.Context, files []FilePair) error
	Resume(ctx context.Context) (stdout, stderr string, err error)
}

// Client performs remote operations against exactly one worker. Every call
// carries a timeout; failures surface to the caller, which owns retry policy.
type Client struct {
	url           string
	vmHost        string
	fileCacheURL  string
	resumeCommand string
	timeout       time.Duration
	httpClient    *http.Client
	pool          *Pool
	logger        *slog.Logger
}

// NewClient creates a client for the worker at workerURL. resumeCommand is a
// template with {vm_host} and {buildd_name} placeholders; pool bounds file
// downloads and subprocess invocations.
func NewClient(workerURL, vmHost, resumeCommand string, timeout time.Duration, pool *Pool, logger *slog.Logger) *Client {
	trimmed := strings.TrimSuffix(workerURL, "/")
	return &Client{
		url:           trimmed,
		vmHost:        vmHost,
		fileCacheURL:  trimmed + "/filecache",
		resumeCommand: resumeCommand,
		timeout:       timeout,
		httpClient:    &http.Client{},
		pool:          pool,
		logger:        logger,
	}
}

// URL returns the worker's base URL.
func (c *Client) URL() string { return c.url }

type rpcRequest struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

func (c *Client) call(ctx context.Context, timeout time.Duration, method string, args []any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{Method: method, Args: args})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	endpoint := c.url + "/rpc"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s failed: %s", method, c.url, strings.TrimSpace(string(payload)))
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != "" {
		return fmt.Errorf("%s %s: remote fault: %s", method, c.url, envelope.Error)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Abort asks the worker to abort the current build.
func (c *Client) Abort(ctx context.Context) error {
	return c.call(ctx, c.timeout, "abort", nil, nil)
}

// Clean discards waiting files and resets the worker's internal state.
func (c *Client) Clean(ctx context.Context) error {
	return c.call(ctx, c.timeout, "clean", nil, nil)
}

// Echo returns the arguments echoed back by the worker.
func (c *Client) Echo(ctx context.Context, args ...string) ([]string, error) {
	callArgs := make([]any, len(args))
	for i, a := range args {
		callArgs[i] = a
	}
	var echoed []string
	if err := c.call(ctx, c.timeout, "echo", callArgs, &echoed); err != nil {
		return nil, err
	}
	return echoed, nil
}

// Info returns the protocol version and methods the worker supports.
func (c *Client) Info(ctx context.Context) (WorkerInfo, error) {
	var info WorkerInfo
	err := c.call(ctx, c.timeout, "info", nil, &info)
	return info, err
}

// Status returns the worker's current status.
func (c *Client) Status(ctx context.Context) (WorkerStatus, error) {
	var status WorkerStatus
	err := c.call(ctx, c.timeout, "status", nil, &status)
	return status, err
}

// EnsurePresent asks the worker to fetch fileURL into its cache unless it
// already holds the digest. Uses a larger timeout than other calls, as the
// worker downloads large files synchronously.
func (c *Client) EnsurePresent(ctx context.Context, digest, fileURL, username, password string) (bool, string, error) {
	var result struct {
		Present bool   `json:"present"`
		Info    string `json:"info"`
	}
	err := c.call(ctx, c.timeout*ensurePresentTimeoutFactor, "ensurepresent",
		[]any{digest, fileURL, username, password}, &result)
	if err != nil {
		return false, "", err
	}
	return result.Present, result.Info, nil
}

// SendFile ensures the worker holds the file at fileURL, failing with
// CannotFetchFile when the worker reports it could not obtain it.
func (c *Client) SendFile(ctx context.Context, digest, fileURL, username, password string) error {
	withAuth := ""
	if username != "" {
		withAuth = " with auth"
	}
	c.logger.Info("asking worker to cache file",
		"worker", c.url, "digest", digest, "url", fileURL+withAuth)
	present, info, err := c.EnsurePresent(ctx, digest, fileURL, username, password)
	if err != nil {
		return err
	}
	if !present {
		return &CannotFetchFile{Digest: digest, URL: fileURL, Info: info}
	}
	return nil
}

// Build dispatches a build to the worker.
func (c *Client) Build(ctx context.Context, buildID, builderType, chrootDigest string, filemap map[string]string, args map[string]string) error {
	return c.call(ctx, c.timeout, "build",
		[]any{buildID, builderType, chrootDigest, filemap, args}, nil)
}

// GetURL returns the filecache URL for a digest. Pure computation.
func (c *Client) GetURL(digest string) string {
	return c.fileCacheURL + "/" + digest
}

// GetFile downloads a result file from the worker's filecache. The download
// runs on the pool and writes through a temporary file in the destination
// directory so a crash never leaves a partial file at the final path.
func (c *Client) GetFile(ctx context.Context, digest, destination string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fileURL := c.GetURL(digest)
	downloadErrs := make(chan error, 1)
	err := c.pool.Do(ctx, func() {
		downloadErrs <- c.download(ctx, fileURL, destination)
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", fileURL, err)
	}
	if downloadErr := <-downloadErrs; downloadErr != nil {
		c.logger.Info("failed to grab file", "url", fileURL, "error", downloadErr)
		return downloadErr
	}
	c.logger.Info("grabbed file", "url", fileURL)
	return nil
}

func (c *Client) download(ctx context.Context, fileURL, destination string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("download %s: %w", fileURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s failed: %s", fileURL, resp.Status)
	}

	dir := filepath.Dir(destination)
	tmp, err := os.CreateTemp(dir, filepath.Base(destination)+"_*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", destination, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), destination)
}

// GetFiles downloads many result files in parallel, bounded by the pool.
func (c *Client) GetFiles(ctx context.Context, files []FilePair) error {
	errs := make(chan error, len(files))
	for _, pair := range files {
		go func(pair FilePair) {
			errs <- c.GetFile(ctx, pair.Digest, pair.Path)
		}(pair)
	}
	var firstErr error
	for range files {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Resume invokes the configured host-resume command as a subprocess and
// returns its captured output. A non-zero exit or timeout is reported as an
// error alongside whatever output was captured.
func (c *Client) Resume(ctx context.Context) (string, string, error) {
	parsed, err := url.Parse(c.url)
	if err != nil {
		return "", "", fmt.Errorf("parse worker URL %q: %w", c.url, err)
	}
	name := strings.SplitN(parsed.Hostname(), ".", 2)[0]
	command := strings.NewReplacer(
		"{vm_host}", c.vmHost,
		"{buildd_name}", name,
	).Replace(c.resumeCommand)
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return "", "", fmt.Errorf("empty resume command")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// The closure owns the output buffers and snapshots them only after Run
	// returns, so a timeout on our side never reads them while exec's pipe
	// copiers are still writing.
	type runResult struct {
		stdout string
		stderr string
		err    error
	}
	started := make(chan struct{})
	results := make(chan runResult, 1)
	err = c.pool.Do(ctx, func() {
		close(started)
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		runErr := cmd.Run()
		results <- runResult{stdout.String(), stderr.String(), runErr}
	})
	if err != nil {
		// The command may still be running; the expired context kills it, so
		// Run returns shortly and we can report the captured output. If the
		// command never started there is nothing to wait for.
		select {
		case <-started:
			r := <-results
			return r.stdout, r.stderr, fmt.Errorf("resume %s: %w", c.url, err)
		default:
			return "", "", fmt.Errorf("resume %s: %w", c.url, err)
		}
	}
	r := <-results
	if r.err != nil {
		return r.stdout, r.stderr, fmt.Errorf("resume %s: %w", c.url, r.err)
	}
	return r.stdout, r.stderr, nil
}

var _ WorkerAPI = (*Client)(nil)
