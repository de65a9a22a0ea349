// Package history journals the outcome of every finished job and scheduled
// run so they can be listed after the process that ran them has exited.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/mimir-aip/predict-client/pkg/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store is the interface for job history persistence
type Store interface {
	// Job records
	SaveRecord(ctx context.Context, record *models.JobRecord) error
	GetRecord(ctx context.Context, id string) (*models.JobRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*models.JobRecord, error)
	ListByEndpoint(ctx context.Context, apiName string, limit int) ([]*models.JobRecord, error)
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)

	// Scheduled runs
	SaveRun(ctx context.Context, run *models.ScheduledRun) error
	ListRuns(ctx context.Context, schedule string, limit int) ([]*models.ScheduledRun, error)

	Close() error
}
