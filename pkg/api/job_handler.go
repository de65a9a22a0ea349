package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mimir-aip/predict-client/pkg/client"
	"github.com/mimir-aip/predict-client/pkg/job"
	"github.com/mimir-aip/predict-client/pkg/models"
)

const (
	defaultResultTimeout = 30 * time.Second
	finishedRetention    = time.Hour
)

// JobHandler keeps every job submitted through the API, finished ones for
// an hour, so clients can poll them by ID
type JobHandler struct {
	ctx       context.Context
	predictor Predictor
	logger    *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job.Job
}

// NewJobHandler creates a new job handler. Submitted jobs are bound to ctx.
func NewJobHandler(ctx context.Context, predictor Predictor, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		ctx:       ctx,
		predictor: predictor,
		logger:    logger,
		jobs:      make(map[string]*job.Job),
	}
}

// JobView is the JSON form of a job
type JobView struct {
	ID          string               `json:"job_id"`
	State       models.JobState      `json:"state"`
	Status      *models.StatusUpdate `json:"status,omitempty"`
	Outputs     []any                `json:"outputs"`
	SubmittedAt time.Time            `json:"submitted_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Error       string               `json:"error,omitempty"`
}

func viewOf(j *job.Job, withOutputs bool) JobView {
	v := JobView{
		ID:          j.ID(),
		State:       j.State(),
		SubmittedAt: j.SubmittedAt(),
		Outputs:     []any{},
	}
	if status, ok := j.Status(); ok {
		v.Status = &status
	}
	if withOutputs {
		v.Outputs = j.Outputs()
	}
	if at := j.CompletedAt(); !at.IsZero() {
		v.CompletedAt = &at
	}
	if err := j.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// handleSubmit starts a job and returns immediately
func (h *JobHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	j, err := h.predictor.Submit(h.ctx, req)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}

	h.mu.Lock()
	h.pruneLocked(time.Now())
	h.jobs[j.ID()] = j
	h.mu.Unlock()

	h.logger.Info("Job submitted",
		zap.String("job_id", j.ID()),
		zap.String("api_name", req.APIName))
	writeJSON(w, http.StatusAccepted, viewOf(j, false))
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, client.ErrClientClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, client.ErrEndpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, client.ErrAmbiguousEndpoint),
		errors.Is(err, client.ErrHiddenEndpoint),
		errors.Is(err, client.ErrArgumentCount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleList lists jobs, oldest first. ?state= filters by lifecycle state.
func (h *JobHandler) handleList(w http.ResponseWriter, r *http.Request) {
	state := models.JobState(r.URL.Query().Get("state"))

	h.mu.Lock()
	jobs := make([]*job.Job, 0, len(h.jobs))
	for _, j := range h.jobs {
		jobs = append(jobs, j)
	}
	h.mu.Unlock()

	slices.SortFunc(jobs, func(a, b *job.Job) int {
		return a.SubmittedAt().Compare(b.SubmittedAt())
	})

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		v := viewOf(j, false)
		if state != "" && v.State != state {
			continue
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGet returns a job with its outputs so far
func (h *JobHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j, true))
}

// handleResult waits for the job's result. ?timeout= bounds the wait and
// never cancels the job.
func (h *JobHandler) handleResult(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}

	timeout := defaultResultTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", raw))
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	result, err := j.Result(ctx)
	var predictionErr *job.PredictionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"job_id": j.ID(), "result": result})
	case errors.Is(err, job.ErrTimeout):
		writeError(w, http.StatusRequestTimeout, err.Error())
	case errors.Is(err, job.ErrCancelled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &predictionErr):
		writeError(w, http.StatusBadGateway, err.Error())
	case r.Context().Err() != nil:
		// the caller went away
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// handleCancel requests cancellation and returns the job as it stands
func (h *JobHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if j.Cancel() {
		h.logger.Info("Job cancelled", zap.String("job_id", j.ID()))
	}
	writeJSON(w, http.StatusAccepted, viewOf(j, false))
}

func (h *JobHandler) lookup(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	id := r.PathValue("id")
	h.mu.Lock()
	j, ok := h.jobs[id]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
	}
	return j, ok
}

func (h *JobHandler) activeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, j := range h.jobs {
		if !j.Done() {
			n++
		}
	}
	return n
}

// pruneLocked drops jobs that finished more than finishedRetention ago
func (h *JobHandler) pruneLocked(now time.Time) {
	for id, j := range h.jobs {
		if at := j.CompletedAt(); !at.IsZero() && now.Sub(at) > finishedRetention {
			delete(h.jobs, id)
		}
	}
}
