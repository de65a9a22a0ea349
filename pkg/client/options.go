package client

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/mimir-aip/predict-client/pkg/models"
)

// Recorder receives the summary of every job once it ends
type Recorder interface {
	SaveRecord(ctx context.Context, record *models.JobRecord) error
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the client used for config fetches, direct calls and
// session resets
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithToken authenticates every request with a bearer token
func WithToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithMaxConcurrentJobs caps how many jobs talk to the server at once. Jobs
// over the cap stay pending until a slot frees up. Zero means no cap.
func WithMaxConcurrentJobs(n int) Option {
	return func(c *Client) { c.maxJobs = n }
}

// WithRecorder journals every finished job
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}
