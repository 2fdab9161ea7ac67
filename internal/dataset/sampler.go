package dataset

import (
	"math/rand/v2"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/model"
)

// Sampler draws mini-batches of measurement indices, reshuffling with the
// caller's generator at every epoch boundary.
type Sampler struct {
	n      int
	order  []int
	cursor int
	epoch  int
}

func NewSampler(n int) *Sampler {
	return &Sampler{n: n}
}

func (s *Sampler) Epoch() int { return s.epoch }

// Next returns batch indices. A batch larger than the dataset is clipped to
// it. A batch that crosses an epoch boundary is filled from the new epoch.
func (s *Sampler) Next(rng *rand.Rand, batch int) []int {
	if batch > s.n {
		batch = s.n
	}
	out := make([]int, 0, batch)
	for len(out) < batch {
		if s.cursor >= len(s.order) {
			s.order = rng.Perm(s.n)
			s.cursor = 0
			s.epoch++
		}
		out = append(out, s.order[s.cursor])
		s.cursor++
	}
	return out
}

func (s *Sampler) Snapshot() model.SamplerSnapshot {
	return model.SamplerSnapshot{
		Order:  append([]int(nil), s.order...),
		Cursor: s.cursor,
		Epoch:  s.epoch,
	}
}

// Restore resumes from a snapshot taken over a dataset of the same size.
func (s *Sampler) Restore(snap model.SamplerSnapshot) error {
	if len(snap.Order) != 0 && len(snap.Order) != s.n {
		return goerr.New("sampler snapshot does not match dataset size",
			goerr.V("snapshot", len(snap.Order)), goerr.V("dataset", s.n))
	}
	if snap.Cursor < 0 || snap.Cursor > len(snap.Order) {
		return goerr.New("sampler cursor out of range", goerr.V("cursor", snap.Cursor))
	}
	s.order = append([]int(nil), snap.Order...)
	s.cursor = snap.Cursor
	s.epoch = snap.Epoch
	return nil
}
