package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Architecture describes the shape of the generative transform so a
// snapshot can be rebuilt without the original run configuration.
type Architecture struct {
	Inputs      int       `json:"inputs"`
	Hidden      []int     `json:"hidden"`
	Outputs     int       `json:"outputs"`
	Activation  string    `json:"activation"`
	OutputScale []float64 `json:"output_scale"`
}

// LayerParams stores one dense layer. Weights are row-major Out x In.
type LayerParams struct {
	In      int       `json:"in"`
	Out     int       `json:"out"`
	Weights []float64 `json:"weights"`
	Biases  []float64 `json:"biases"`
}

type ModelSnapshot struct {
	Architecture Architecture  `json:"architecture"`
	Layers       []LayerParams `json:"layers"`
}

// OptimizerSnapshot holds Adam moments flattened in model parameter order.
type OptimizerSnapshot struct {
	Name         string    `json:"name"`
	Step         int       `json:"step"`
	LearningRate float64   `json:"learning_rate"`
	Beta1        float64   `json:"beta1"`
	Beta2        float64   `json:"beta2"`
	Epsilon      float64   `json:"epsilon"`
	M            []float64 `json:"m"`
	V            []float64 `json:"v"`
}

// SamplerSnapshot is the position of the epoch-shuffled measurement sampler.
type SamplerSnapshot struct {
	Order  []int `json:"order"`
	Cursor int   `json:"cursor"`
	Epoch  int   `json:"epoch"`
}

// Checkpoint is everything needed to resume a run or sample its
// reconstruction without retraining.
type Checkpoint struct {
	VersionedRecord
	RunID        string            `json:"run_id"`
	Iteration    int               `json:"iteration"`
	State        string            `json:"state"`
	Model        ModelSnapshot     `json:"model"`
	Optimizer    OptimizerSnapshot `json:"optimizer"`
	LossHistory  []float64         `json:"loss_history"`
	RNG          []byte            `json:"rng"`
	Sampler      SamplerSnapshot   `json:"sampler"`
	Latent       []float64         `json:"latent,omitempty"`
	CreatedAtUTC string            `json:"created_at_utc"`
}

// RunRecord summarises one reconstruction run.
type RunRecord struct {
	VersionedRecord
	ID             string  `json:"id"`
	CreatedAtUTC   string  `json:"created_at_utc"`
	FinishedAtUTC  string  `json:"finished_at_utc,omitempty"`
	Dataset        string  `json:"dataset"`
	Beamline       string  `json:"beamline"`
	Objective      string  `json:"objective"`
	State          string  `json:"state"`
	Iterations     int     `json:"iterations"`
	FinalLoss      float64 `json:"final_loss"`
	BestLoss       float64 `json:"best_loss"`
	DivergedAt     int     `json:"diverged_at,omitempty"`
	LastCheckpoint int     `json:"last_checkpoint"`
	Seed           uint64  `json:"seed"`
	Particles      int     `json:"particles"`
	BatchSize      int     `json:"batch_size"`
	LearningRate   float64 `json:"learning_rate"`
	ResumedFrom    string  `json:"resumed_from,omitempty"`
}
