// Package client connects to a prediction app and submits calls to its
// endpoints. Each submission runs on its own goroutine and is tracked through
// the returned *job.Job.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mimir-aip/predict-client/pkg/job"
	"github.com/mimir-aip/predict-client/pkg/models"
	"github.com/mimir-aip/predict-client/pkg/worker"
)

// Client is a session with one prediction app. It is safe for concurrent
// use.
type Client struct {
	src        string
	httpClient *http.Client
	header     http.Header
	logger     *zap.Logger
	recorder   Recorder
	maxJobs    int
	limiter    *semaphore.Weighted
	worker     *worker.PredictionWorker

	config    models.AppConfig
	endpoints []models.Endpoint

	ctx  context.Context
	stop context.CancelFunc

	mu          sync.Mutex
	sessionHash string
	jobs        map[string]*job.Job
	closed      bool
}

// NewClient fetches the app's config from src and returns a session ready to
// submit calls
func NewClient(ctx context.Context, src string, opts ...Option) (*Client, error) {
	root, err := normalizeSrc(src)
	if err != nil {
		return nil, err
	}

	c := &Client{
		src:         root,
		header:      http.Header{},
		logger:      zap.NewNop(),
		sessionHash: newSessionHash(),
		jobs:        make(map[string]*job.Job),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if c.maxJobs > 0 {
		c.limiter = semaphore.NewWeighted(int64(c.maxJobs))
	}
	c.logger = c.logger.With(zap.String("src", c.src))

	if err := c.fetchConfig(ctx); err != nil {
		return nil, err
	}
	c.endpoints = buildEndpoints(&c.config)

	c.worker, err = worker.New(worker.Config{
		RootURL:    c.src,
		HTTPClient: c.httpClient,
		Header:     c.header,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, err
	}

	c.ctx, c.stop = context.WithCancel(context.Background())
	c.logger.Info("Connected to prediction app",
		zap.String("version", c.config.Version),
		zap.Int("endpoints", len(c.endpoints)),
		zap.Bool("queue", c.config.EnableQueue))
	return c, nil
}

func normalizeSrc(src string) (string, error) {
	src = strings.TrimSpace(src)
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid src %q: must be an http or https URL", src)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func (c *Client) fetchConfig(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.src+"config", nil)
	if err != nil {
		return fmt.Errorf("failed to build config request: %w", err)
	}
	req.Header = c.header.Clone()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch app config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to fetch app config (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&c.config); err != nil {
		return fmt.Errorf("failed to decode app config: %w", err)
	}
	return nil
}

// Src returns the normalized root URL of the app
func (c *Client) Src() string {
	return c.src
}

// Endpoints returns the endpoints callable through the API
func (c *Client) Endpoints() []models.Endpoint {
	var out []models.Endpoint
	for _, ep := range c.endpoints {
		if !ep.Hidden {
			out = append(out, ep)
		}
	}
	return out
}

// Endpoint resolves the endpoint req addresses without submitting anything
func (c *Client) Endpoint(req models.PredictionRequest) (models.Endpoint, error) {
	return resolve(c.endpoints, req)
}

// SessionHash returns the hash that scopes server-side state to this session
func (c *Client) SessionHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionHash
}

// ResetSession starts a fresh server-side session. Jobs already submitted
// keep the session they started with.
func (c *Client) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionHash = newSessionHash()
	c.logger.Debug("Session reset", zap.String("session_hash", c.sessionHash))
}

// Submit validates req and starts it in the background. Validation errors
// are returned before anything is sent. ctx bounds the job: when it ends the
// job is abandoned.
func (c *Client) Submit(ctx context.Context, req models.PredictionRequest) (*job.Job, error) {
	ep, err := resolve(c.endpoints, req)
	if err != nil {
		return nil, err
	}
	data, err := wireData(ep, req.Data)
	if err != nil {
		return nil, err
	}
	return c.start(ctx, ep, data)
}

// Predict submits req and waits for its result. A deadline on ctx only
// bounds the wait: the error then matches job.ErrTimeout and the job keeps
// running until it ends or the client is closed.
func (c *Client) Predict(ctx context.Context, req models.PredictionRequest) (any, error) {
	ep, err := resolve(c.endpoints, req)
	if err != nil {
		return nil, err
	}
	if ep.Continuous {
		return nil, fmt.Errorf("%w: cannot call predict on this function as it may run forever, use Submit instead", ErrContinuousEndpoint)
	}
	data, err := wireData(ep, req.Data)
	if err != nil {
		return nil, err
	}

	j, err := c.start(context.WithoutCancel(ctx), ep, data)
	if err != nil {
		return nil, err
	}
	return j.Result(ctx)
}

func (c *Client) start(ctx context.Context, ep models.Endpoint, data []any) (*job.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}

	jobCtx, cancel := context.WithCancel(c.ctx)
	stopWatch := context.AfterFunc(ctx, cancel)
	sessionHash := c.sessionHash

	call := worker.Call{Endpoint: ep, SessionHash: sessionHash, Data: data}
	opts := []job.Option{
		job.WithLogger(c.logger),
		job.WithOnFinish(func(j *job.Job) {
			stopWatch()
			cancel()
			c.forget(j)
			c.record(j.Record(ep.APIName, ep.FnIndex, sessionHash))
		}),
	}
	if c.limiter != nil {
		opts = append(opts, job.WithLimiter(c.limiter))
	}

	// forget takes c.mu, so a job that ends right away is still registered
	// before it is removed.
	j := job.Start(jobCtx, c.worker.Task(call), opts...)
	c.jobs[j.ID()] = j

	c.logger.Debug("Job submitted",
		zap.String("job_id", j.ID()),
		zap.String("api_name", ep.APIName),
		zap.Int("fn_index", ep.FnIndex),
		zap.Bool("queued", ep.Queued))
	return j, nil
}

func (c *Client) forget(j *job.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, j.ID())
}

func (c *Client) record(record *models.JobRecord) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.recorder.SaveRecord(ctx, record); err != nil {
		c.logger.Warn("Failed to record job", zap.String("job_id", record.ID), zap.Error(err))
	}
}

// Job returns an active job by ID
func (c *Client) Job(id string) (*job.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	return j, ok
}

// ActiveJobs returns the jobs that have not finished, oldest first
func (c *Client) ActiveJobs() []*job.Job {
	c.mu.Lock()
	jobs := make([]*job.Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	slices.SortFunc(jobs, func(a, b *job.Job) int {
		return a.SubmittedAt().Compare(b.SubmittedAt())
	})
	return jobs
}

// Close cancels every active job and rejects further submissions. It does
// not wait for in-flight workers.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	jobs := make([]*job.Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
	c.stop()
	c.logger.Info("Client closed", zap.Int("cancelled_jobs", len(jobs)))
	return nil
}

func newSessionHash() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:11]
}
