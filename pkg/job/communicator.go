package job

import (
	"sync"
	"time"

	"github.com/mimir-aip/predict-client/pkg/models"
)

// Communicator is the state shared between one worker and one Job. Every
// field is guarded by mu, and the lock is never held across I/O.
type Communicator struct {
	mu           sync.Mutex
	latest       *models.StatusUpdate
	outputs      []any
	shouldCancel bool
	cancelCh     chan struct{}
	changed      chan struct{}
}

// NewCommunicator creates an empty communicator with nothing published
func NewCommunicator() *Communicator {
	return &Communicator{
		cancelCh: make(chan struct{}),
		changed:  make(chan struct{}),
	}
}

// LatestStatus returns the most recently published status. The second
// return value is false until the worker publishes for the first time.
func (c *Communicator) LatestStatus() (models.StatusUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest == nil {
		return models.StatusUpdate{}, false
	}
	return c.latest.Clone(), true
}

// Outputs returns a snapshot of every output published so far
func (c *Communicator) Outputs() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]any, len(c.outputs))
	copy(out, c.outputs)
	return out
}

// HasOutputs reports whether at least one output was published
func (c *Communicator) HasOutputs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outputs) > 0
}

// RequestCancel flags the job for cancellation and publishes CANCELLED in
// the same critical section, so from then on the status and outputs are
// frozen. Only the first call on a job that has not ended has an effect; it
// returns true when it was that call.
func (c *Communicator) RequestCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shouldCancel || (c.latest != nil && c.latest.Terminal()) {
		return false
	}
	c.shouldCancel = true
	close(c.cancelCh)
	c.setLatest(models.StatusUpdate{Code: models.StatusCancelled})
	return true
}

// ShouldCancel reports whether cancellation was requested
func (c *Communicator) ShouldCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldCancel
}

// CancelRequested returns a channel closed once cancellation is requested,
// so a worker blocked on a receive can select on it
func (c *Communicator) CancelRequested() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelCh
}

// Publish replaces the latest status. It returns false and drops the update
// once a terminal status has been published.
func (c *Communicator) Publish(update models.StatusUpdate) bool {
	return c.publish(update, nil, false)
}

// PublishOutput replaces the latest status and appends output to the
// accumulated outputs in the same critical section
func (c *Communicator) PublishOutput(update models.StatusUpdate, output any) bool {
	return c.publish(update, output, true)
}

func (c *Communicator) publish(update models.StatusUpdate, output any, hasOutput bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest != nil && c.latest.Terminal() {
		return false
	}
	// Nothing the worker reports after a cancel request reaches observers.
	if c.shouldCancel && (!update.Terminal() || hasOutput) {
		return false
	}

	if hasOutput {
		c.outputs = append(c.outputs, output)
	}
	c.setLatest(update.Clone())
	return true
}

// setLatest stores update and wakes everyone waiting on a change. The
// caller holds mu.
func (c *Communicator) setLatest(update models.StatusUpdate) {
	if update.Time.IsZero() {
		update.Time = time.Now()
	}
	// Observers must never see time go backwards within one job.
	if c.latest != nil && update.Time.Before(c.latest.Time) {
		update.Time = c.latest.Time
	}
	c.latest = &update

	close(c.changed)
	c.changed = make(chan struct{})
}

// outputAt returns the output at index i if it exists. When it does not,
// terminal tells whether one can still arrive and changed is closed by the
// next publish.
func (c *Communicator) outputAt(i int) (out any, ok bool, terminal bool, changed <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < len(c.outputs) {
		return c.outputs[i], true, false, nil
	}
	terminal = c.latest != nil && c.latest.Terminal()
	return nil, false, terminal, c.changed
}
