package storage

import (
	"context"

	"phasespace/internal/model"
)

// Store persists run records, checkpoints and loss histories. A checkpoint
// save replaces the run's loss history in the same write, so a reader never
// sees one without the other.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID string, iteration int) (model.Checkpoint, bool, error)
	LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
	SaveLossHistory(ctx context.Context, runID string, history []float64) error
	GetLossHistory(ctx context.Context, runID string) ([]float64, bool, error)
}
