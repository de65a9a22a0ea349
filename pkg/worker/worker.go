package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mimir-aip/predict-client/pkg/job"
	"github.com/mimir-aip/predict-client/pkg/models"
)

// ErrQueueFull is returned when the server rejects a call because its queue
// is at capacity
var ErrQueueFull = errors.New("queue is full")

// ErrProtocol marks malformed or unexpected messages from the server
var ErrProtocol = errors.New("protocol error")

// Call is one invocation of an endpoint
type Call struct {
	Endpoint    models.Endpoint
	SessionHash string
	Data        []any // wire payload, state placeholders included
}

// Config holds the collaborators a PredictionWorker needs
type Config struct {
	RootURL      string
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
	Header       http.Header
	Logger       *zap.Logger
	ResetTimeout time.Duration
}

// PredictionWorker performs remote calls and relays their progress into a
// job.Communicator. One worker value can serve many jobs concurrently; all
// per-call state lives on the goroutine running Run.
type PredictionWorker struct {
	root         *url.URL
	httpClient   *http.Client
	dialer       *websocket.Dialer
	header       http.Header
	logger       *zap.Logger
	resetTimeout time.Duration
}

// New creates a worker for the app served at cfg.RootURL
func New(cfg Config) (*PredictionWorker, error) {
	root, err := url.Parse(cfg.RootURL)
	if err != nil {
		return nil, fmt.Errorf("invalid root url: %w", err)
	}
	if root.Scheme != "http" && root.Scheme != "https" {
		return nil, fmt.Errorf("invalid root url %q: scheme must be http or https", cfg.RootURL)
	}

	w := &PredictionWorker{
		root:         root,
		httpClient:   cfg.HTTPClient,
		dialer:       cfg.Dialer,
		header:       cfg.Header.Clone(),
		logger:       cfg.Logger,
		resetTimeout: cfg.ResetTimeout,
	}
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if w.dialer == nil {
		w.dialer = websocket.DefaultDialer
	}
	if w.header == nil {
		w.header = http.Header{}
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	if w.resetTimeout <= 0 {
		w.resetTimeout = 5 * time.Second
	}
	return w, nil
}

// Task binds call into a job.Task
func (w *PredictionWorker) Task(call Call) job.Task {
	return func(ctx context.Context, comm *job.Communicator) (any, error) {
		return w.Run(ctx, comm, call)
	}
}

// Run executes call and publishes every status change into comm. It always
// leaves a terminal status behind unless ctx ends first.
func (w *PredictionWorker) Run(ctx context.Context, comm *job.Communicator, call Call) (any, error) {
	if call.Endpoint.Queued {
		return w.runQueued(ctx, comm, call)
	}
	return w.runDirect(ctx, comm, call)
}

func (w *PredictionWorker) runDirect(ctx context.Context, comm *job.Communicator, call Call) (any, error) {
	comm.Publish(models.StatusUpdate{Code: models.StatusStarting})
	if comm.ShouldCancel() {
		return w.cancelled(comm)
	}

	body, err := json.Marshal(models.DataFrame{
		Data:        call.Data,
		FnIndex:     call.Endpoint.FnIndex,
		SessionHash: call.SessionHash,
	})
	if err != nil {
		return nil, w.fail(comm, fmt.Errorf("failed to encode call data: %w", err))
	}
	comm.Publish(models.StatusUpdate{Code: models.StatusSendingData})

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	type response struct {
		output *models.Output
		err    error
	}
	responses := make(chan response, 1)
	go func() {
		output, err := w.postPredict(reqCtx, body)
		responses <- response{output, err}
	}()

	select {
	case <-comm.CancelRequested():
		cancelReq()
		return w.cancelled(comm)
	case r := <-responses:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, w.fail(comm, r.err)
		}
		return w.finish(comm, call, r.output, nil)
	}
}

// postPredict performs a direct (non-queued) call
func (w *PredictionWorker) postPredict(ctx context.Context, body []byte) (*models.Output, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.root.JoinPath("run", "predict").String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build predict request: %w", err)
	}
	req.Header = w.header.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read predict response: %w", err)
	}

	var output models.Output
	if err := json.Unmarshal(data, &output); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("predict request failed (status %d): %s", resp.StatusCode, string(data))
		}
		return nil, fmt.Errorf("%w: failed to decode predict response: %v", ErrProtocol, err)
	}
	if output.Error == nil && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predict request failed (status %d): %s", resp.StatusCode, string(data))
	}
	return &output, nil
}

// finish turns a final output into the job's result and terminal status
func (w *PredictionWorker) finish(comm *job.Communicator, call Call, output *models.Output, success *bool) (any, error) {
	if output == nil {
		return nil, w.fail(comm, fmt.Errorf("%w: completion without output", ErrProtocol))
	}
	if output.Error != nil || (success != nil && !*success) {
		message := ""
		if output.Error != nil {
			message = *output.Error
		}
		return nil, w.fail(comm, &job.PredictionError{Message: message})
	}

	value, err := decodeOutput(call.Endpoint, output.Data)
	if err != nil {
		return nil, w.fail(comm, err)
	}

	final := models.StatusUpdate{Code: models.StatusFinished, Success: models.Ptr(true)}
	// Generators already published every value while iterating.
	if comm.HasOutputs() {
		comm.Publish(final)
	} else {
		comm.PublishOutput(final, value)
	}
	return value, nil
}

// fail publishes a failed terminal status carrying err and returns err
func (w *PredictionWorker) fail(comm *job.Communicator, err error) error {
	message := err.Error()
	var predErr *job.PredictionError
	if errors.As(err, &predErr) {
		message = predErr.Message
	}
	comm.Publish(models.StatusUpdate{
		Code:    models.StatusFinished,
		Success: models.Ptr(false),
		Message: message,
	})
	return err
}

func (w *PredictionWorker) cancelled(comm *job.Communicator) (any, error) {
	comm.Publish(models.StatusUpdate{Code: models.StatusCancelled})
	return nil, job.ErrCancelled
}

// reset tells the server to drop the session's pending call. It runs on its
// own deadline because the job's context may already be gone.
func (w *PredictionWorker) reset(call Call) {
	ctx, cancel := context.WithTimeout(context.Background(), w.resetTimeout)
	defer cancel()

	body, err := json.Marshal(models.HashFrame{FnIndex: call.Endpoint.FnIndex, SessionHash: call.SessionHash})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.root.JoinPath("reset").String(), bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("Failed to build reset request", zap.Error(err))
		return
	}
	req.Header = w.header.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Warn("Failed to reset session after cancel", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.logger.Warn("Reset request rejected", zap.Int("status", resp.StatusCode))
	}
}

// decodeOutput drops state outputs and unwraps the remaining values: no
// value gives nil, one value is returned as is, several as a slice
func decodeOutput(endpoint models.Endpoint, raw []json.RawMessage) (any, error) {
	values := make([]any, 0, len(raw))
	for i, r := range raw {
		if slices.Contains(endpoint.StateOutputs, i) {
			continue
		}
		var v any
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("%w: output %d: %v", ErrProtocol, i, err)
		}
		values = append(values, v)
	}

	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	default:
		return values, nil
	}
}
