// Package platform coordinates reconstruction runs against a store: it owns
// run control channels, fans checkpoints out to every configured sink, and
// records each run's outcome.
package platform

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/fault"
	"phasespace/internal/model"
	"phasespace/internal/storage"
	"phasespace/internal/train"
)

type Config struct {
	Store storage.Store
}

type Platform struct {
	store storage.Store

	mu      sync.RWMutex
	started bool
	runs    map[string]chan train.Command
}

func New(cfg Config) *Platform {
	return &Platform{
		store: cfg.Store,
		runs:  make(map[string]chan train.Command),
	}
}

func (p *Platform) Init(ctx context.Context) error {
	if p.store == nil {
		return goerr.New("store is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return err
	}
	p.started = true
	return nil
}

func (p *Platform) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func (p *Platform) Store() storage.Store { return p.store }

// ReconstructionConfig describes one run. Record seeds the persisted run
// record; the platform fills in ID, state, losses and timestamps.
type ReconstructionConfig struct {
	Train   train.Config
	Options train.Options
	Record  model.RunRecord
	// Checkpoints receive every checkpoint after the store has accepted it.
	Checkpoints []train.CheckpointSink
	// Prepared, when set, runs once the trainer has validated the run and
	// before anything is persisted. An error aborts the run.
	Prepared func(ctx context.Context) error
}

// RunReconstruction trains one model. The run record and loss history are
// saved for every outcome, including divergence; the returned error is the
// trainer's.
func (p *Platform) RunReconstruction(ctx context.Context, cfg ReconstructionConfig) (train.Result, error) {
	if !p.Started() {
		return train.Result{}, goerr.New("platform is not initialized")
	}
	runID := cfg.Options.RunID
	control := make(chan train.Command, 4)
	if err := p.registerRunControl(runID, control); err != nil {
		return train.Result{}, err
	}
	defer p.unregisterRunControl(runID)

	opts := cfg.Options
	opts.Control = control
	opts.Checkpoints = fanOut(append([]train.CheckpointSink{p.store}, cfg.Checkpoints...))

	trainer, err := train.New(cfg.Train, opts)
	if err != nil {
		return train.Result{}, err
	}
	if cfg.Prepared != nil {
		if err := cfg.Prepared(ctx); err != nil {
			return train.Result{}, err
		}
	}

	record := cfg.Record
	record.VersionedRecord = model.VersionedRecord{
		SchemaVersion: storage.CurrentSchemaVersion,
		CodecVersion:  storage.CurrentCodecVersion,
	}
	record.ID = runID
	if record.CreatedAtUTC == "" {
		record.CreatedAtUTC = time.Now().UTC().Format(time.RFC3339Nano)
	}
	record.State = string(train.StateTraining)
	if err := p.store.SaveRun(ctx, record); err != nil {
		return train.Result{}, err
	}

	res, runErr := trainer.Run(ctx)
	persistCtx := context.WithoutCancel(ctx)
	if runErr != nil && res.Outcome == "" {
		record.State = "failed"
		record.FinishedAtUTC = time.Now().UTC().Format(time.RFC3339Nano)
		if err := p.store.SaveRun(persistCtx, record); err != nil {
			ctxlog.From(ctx).Warn("failed to record run failure", "run_id", runID, "error", err)
		}
		return res, runErr
	}

	if err := p.store.SaveLossHistory(persistCtx, runID, res.LossHistory); err != nil {
		return res, err
	}
	record.State = string(res.Outcome)
	record.Iterations = res.Iterations
	record.FinalLoss = finiteOrZero(res.FinalLoss)
	record.BestLoss = finiteOrZero(res.BestLoss)
	record.DivergedAt = res.DivergedAt
	record.LastCheckpoint = res.LastCheckpoint
	record.FinishedAtUTC = time.Now().UTC().Format(time.RFC3339Nano)
	if err := p.store.SaveRun(persistCtx, record); err != nil {
		return res, err
	}
	return res, runErr
}

// LatestCheckpoint returns the newest stored checkpoint of runID.
func (p *Platform) LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, error) {
	if !p.Started() {
		return model.Checkpoint{}, goerr.New("platform is not initialized")
	}
	cp, ok, err := p.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if !ok {
		return model.Checkpoint{}, fault.Config(nil, "run has no checkpoint", goerr.V("run_id", runID))
	}
	return cp, nil
}

func (p *Platform) StopRun(runID string) error {
	return p.sendRunCommand(runID, train.CommandStop)
}

// ActiveRuns lists the IDs of runs currently training.
func (p *Platform) ActiveRuns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Platform) registerRunControl(runID string, control chan train.Command) error {
	if runID == "" {
		return goerr.New("run id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.runs[runID]; exists {
		return goerr.New("run already active", goerr.V("run_id", runID))
	}
	p.runs[runID] = control
	return nil
}

func (p *Platform) unregisterRunControl(runID string) {
	p.mu.Lock()
	delete(p.runs, runID)
	p.mu.Unlock()
}

func (p *Platform) sendRunCommand(runID string, cmd train.Command) error {
	if runID == "" {
		return goerr.New("run id is required")
	}
	p.mu.RLock()
	control, ok := p.runs[runID]
	p.mu.RUnlock()
	if !ok {
		return goerr.New("run not active", goerr.V("run_id", runID))
	}
	select {
	case control <- cmd:
		return nil
	default:
		return goerr.New("run control channel is full", goerr.V("run_id", runID))
	}
}

// fanOut saves to each sink in order and stops at the first failure.
type fanOut []train.CheckpointSink

func (f fanOut) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.SaveCheckpoint(ctx, cp); err != nil {
			return err
		}
	}
	return nil
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
