package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/model"
)

// MemoryStore keeps encoded records so callers never share slices with it.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string][]byte
	checkpoints map[string]map[int][]byte
	history     map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string][]byte)
	s.checkpoints = make(map[string]map[int][]byte)
	s.history = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.runs[run.ID] = payload
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	payload, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return model.RunRecord{}, false, nil
	}
	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, err
	}
	return run, true, nil
}

// ListRuns returns runs ordered by creation time, then id.
func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	payloads := make([][]byte, 0, len(s.runs))
	for _, p := range s.runs {
		payloads = append(payloads, p)
	}
	s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(payloads))
	for _, p := range payloads {
		run, err := DecodeRun(p)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp model.Checkpoint) error {
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	history, err := EncodeLossHistory(cp.LossHistory)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	byIter, ok := s.checkpoints[cp.RunID]
	if !ok {
		byIter = make(map[int][]byte)
		s.checkpoints[cp.RunID] = byIter
	}
	byIter[cp.Iteration] = payload
	s.history[cp.RunID] = history
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID string, iteration int) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	payload, ok := s.checkpoints[runID][iteration]
	s.mu.RUnlock()
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	cp, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	latest := -1
	for it := range s.checkpoints[runID] {
		latest = max(latest, it)
	}
	s.mu.RUnlock()
	if latest < 0 {
		return model.Checkpoint{}, false, nil
	}
	return s.GetCheckpoint(ctx, runID, latest)
}

func (s *MemoryStore) SaveLossHistory(_ context.Context, runID string, history []float64) error {
	payload, err := EncodeLossHistory(history)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.history[runID] = payload
	return nil
}

func (s *MemoryStore) GetLossHistory(_ context.Context, runID string) ([]float64, bool, error) {
	s.mu.RLock()
	payload, ok := s.history[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	history, err := DecodeLossHistory(payload)
	if err != nil {
		return nil, false, err
	}
	return history, true, nil
}

func (s *MemoryStore) ready() error {
	if !s.initialized {
		return goerr.New("store is not initialized")
	}
	return nil
}
