package storage

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"

	"phasespace/internal/model"
)

func checkpoint(runID string, iteration int, history ...float64) model.Checkpoint {
	return model.Checkpoint{
		VersionedRecord: versioned(),
		RunID:           runID,
		Iteration:       iteration,
		State:           "training",
		Model: model.ModelSnapshot{
			Architecture: model.Architecture{Inputs: 6, Hidden: []int{2}, Outputs: 6, Activation: "tanh"},
		},
		Optimizer:   model.OptimizerSnapshot{Name: "adam", Step: iteration},
		LossHistory: history,
		RNG:         []byte{1, 2, 3},
	}
}

// exerciseStore checks behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	gt.NoError(t, store.Init(ctx))

	_, ok, err := store.GetRun(ctx, "missing")
	gt.NoError(t, err)
	gt.False(t, ok)
	_, ok, err = store.LatestCheckpoint(ctx, "missing")
	gt.NoError(t, err)
	gt.False(t, ok)

	runs := []model.RunRecord{
		{VersionedRecord: versioned(), ID: "b", CreatedAtUTC: "2026-01-02T00:00:00Z", State: "finalized", FinalLoss: 0.5},
		{VersionedRecord: versioned(), ID: "a", CreatedAtUTC: "2026-01-03T00:00:00Z", State: "training"},
	}
	for _, run := range runs {
		gt.NoError(t, store.SaveRun(ctx, run))
	}
	runs[1].State = "finalized"
	gt.NoError(t, store.SaveRun(ctx, runs[1]))

	listed, err := store.ListRuns(ctx)
	gt.NoError(t, err)
	gt.A(t, listed).Length(2)
	gt.Equal(t, listed[0].ID, "b")
	gt.Equal(t, listed[1].State, "finalized")

	got, ok, err := store.GetRun(ctx, "b")
	gt.NoError(t, err)
	gt.True(t, ok)
	gt.Equal(t, got.FinalLoss, 0.5)

	gt.NoError(t, store.SaveCheckpoint(ctx, checkpoint("b", 10, 0.4, 0.3)))
	gt.NoError(t, store.SaveCheckpoint(ctx, checkpoint("b", 20, 0.4, 0.3, 0.2)))
	gt.NoError(t, store.SaveCheckpoint(ctx, checkpoint("a", 5, 0.9)))

	latest, ok, err := store.LatestCheckpoint(ctx, "b")
	gt.NoError(t, err)
	gt.True(t, ok)
	gt.Equal(t, latest.Iteration, 20)
	gt.Equal(t, latest.RNG, []byte{1, 2, 3})

	first, ok, err := store.GetCheckpoint(ctx, "b", 10)
	gt.NoError(t, err)
	gt.True(t, ok)
	gt.Equal(t, first.LossHistory, []float64{0.4, 0.3})
	_, ok, err = store.GetCheckpoint(ctx, "b", 15)
	gt.NoError(t, err)
	gt.False(t, ok)

	history, ok, err := store.GetLossHistory(ctx, "b")
	gt.NoError(t, err)
	gt.True(t, ok)
	gt.Equal(t, history, []float64{0.4, 0.3, 0.2})

	gt.NoError(t, store.SaveLossHistory(ctx, "b", []float64{0.1}))
	history, _, err = store.GetLossHistory(ctx, "b")
	gt.NoError(t, err)
	gt.Equal(t, history, []float64{0.1})

	// stored records do not alias caller memory
	cp := checkpoint("c", 1, 1.0)
	gt.NoError(t, store.SaveCheckpoint(ctx, cp))
	cp.LossHistory[0] = 99
	stored, _, err := store.GetCheckpoint(ctx, "c", 1)
	gt.NoError(t, err)
	gt.Equal(t, stored.LossHistory, []float64{1.0})
}
