package stats

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/beam"
	"phasespace/internal/fault"
	"phasespace/internal/model"
)

const (
	runIndexFile    = "run_index.json"
	configFile      = "config.json"
	summaryFile     = "summary.json"
	lossHistoryFile = "loss_history.csv"
	checkpointDir   = "checkpoints"
	dumpDir         = "dumps"
)

// RunConfig is the resolved configuration of a run as written to config.json.
type RunConfig struct {
	RunID                string    `json:"run_id"`
	ResumedFrom          string    `json:"resumed_from,omitempty"`
	Dataset              string    `json:"dataset"`
	Beamline             string    `json:"beamline"`
	BeamlineFile         string    `json:"beamline_file,omitempty"`
	Preset               string    `json:"preset,omitempty"`
	Objective            string    `json:"objective"`
	Lambda               float64   `json:"lambda,omitempty"`
	Particles            int       `json:"particles"`
	BatchSize            int       `json:"batch_size"`
	Iterations           int       `json:"iterations"`
	LearningRate         float64   `json:"learning_rate"`
	Schedule             string    `json:"schedule"`
	ScheduleGamma        float64   `json:"schedule_gamma,omitempty"`
	ScheduleEvery        int       `json:"schedule_every,omitempty"`
	GradClip             float64   `json:"grad_clip,omitempty"`
	CheckpointEvery      int       `json:"checkpoint_every"`
	LogEvery             int       `json:"log_every"`
	ConvergenceWindow    int       `json:"convergence_window,omitempty"`
	ConvergenceThreshold float64   `json:"convergence_threshold,omitempty"`
	Seed                 uint64    `json:"seed"`
	Workers              int       `json:"workers"`
	FixedLatent          bool      `json:"fixed_latent"`
	Bandwidth            float64   `json:"bandwidth"`
	Intensity            float64   `json:"intensity"`
	Hidden               []int     `json:"hidden"`
	Activation           string    `json:"activation"`
	OutputScale          []float64 `json:"output_scale"`
	DumpEvery            int       `json:"dump_every,omitempty"`
	DumpParticles        int       `json:"dump_particles,omitempty"`
	Store                string    `json:"store"`
}

// RunSummary is written once a run reaches a terminal state. Loss fields
// are zero when no iteration completed.
type RunSummary struct {
	RunID           string  `json:"run_id"`
	State           string  `json:"state"`
	Iterations      int     `json:"iterations"`
	FinalLoss       float64 `json:"final_loss"`
	BestLoss        float64 `json:"best_loss"`
	DivergedAt      int     `json:"diverged_at,omitempty"`
	LastCheckpoint  int     `json:"last_checkpoint"`
	DurationSeconds float64 `json:"duration_seconds"`
	CreatedAtUTC    string  `json:"created_at_utc"`
	FinishedAtUTC   string  `json:"finished_at_utc"`
}

type RunArtifacts struct {
	Config      RunConfig
	Summary     RunSummary
	LossHistory []float64
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Dataset      string  `json:"dataset"`
	Beamline     string  `json:"beamline"`
	Objective    string  `json:"objective"`
	Particles    int     `json:"particles"`
	Iterations   int     `json:"iterations"`
	Seed         uint64  `json:"seed"`
	Workers      int     `json:"workers"`
	State        string  `json:"state"`
	FinalLoss    float64 `json:"final_loss"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func RunDir(baseDir, runID string) string {
	return filepath.Join(baseDir, runID)
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", goerr.New("run id is required")
	}

	runDir := RunDir(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fault.IO(err, "create run directory", goerr.V("dir", runDir))
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	if err := WriteLossHistory(runDir, artifacts.LossHistory); err != nil {
		return "", err
	}
	return runDir, nil
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return goerr.New("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return goerr.New("run config run id mismatch", goerr.V("got", cfg.RunID), goerr.V("want", runID))
	}
	runDir := RunDir(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fault.IO(err, "create run directory", goerr.V("dir", runDir))
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(RunDir(baseDir, runID), configFile), &cfg)
	return cfg, ok, err
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(RunDir(baseDir, runID), summaryFile), &summary)
	return summary, ok, err
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return goerr.New("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fault.IO(err, "create output directory", goerr.V("dir", baseDir))
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first; equal timestamps keep the later
// appended entry first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	var entries []RunIndexEntry
	if _, err := readJSON(filepath.Join(baseDir, runIndexFile), &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory, including checkpoints and
// distribution dumps, to outDir/runID.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", goerr.New("run id is required")
	}

	src := RunDir(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", fault.IO(err, "open run directory", goerr.V("dir", src))
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", fault.IO(err, "create export directory", goerr.V("dir", dst))
	}

	for _, file := range []string{configFile, summaryFile, lossHistoryFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, dir := range []string{checkpointDir, dumpDir} {
		entries, err := os.ReadDir(filepath.Join(src, dir))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fault.IO(err, "list run files", goerr.V("dir", dir))
		}
		if err := os.MkdirAll(filepath.Join(dst, dir), 0o755); err != nil {
			return "", fault.IO(err, "create export directory", goerr.V("dir", dir))
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			if err := copyFile(filepath.Join(src, dir, entry.Name()), filepath.Join(dst, dir, entry.Name())); err != nil {
				return "", err
			}
		}
	}
	return dst, nil
}

func WriteLossHistory(runDir string, history []float64) error {
	return writeFileAtomic(filepath.Join(runDir, lossHistoryFile), func(w io.Writer) error {
		writer := csv.NewWriter(w)
		if err := writer.Write([]string{"iteration", "loss"}); err != nil {
			return err
		}
		for i, loss := range history {
			if err := writer.Write([]string{
				strconv.Itoa(i + 1),
				strconv.FormatFloat(loss, 'g', -1, 64),
			}); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
}

func ReadLossHistory(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(RunDir(baseDir, runID), lossHistoryFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fault.IO(err, "open loss history", goerr.V("path", path))
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, fault.IO(err, "read loss history", goerr.V("path", path))
	}
	if len(header) < 2 {
		return nil, false, goerr.New("loss history header must have at least 2 columns", goerr.V("path", path))
	}

	history := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, fault.IO(err, "read loss history", goerr.V("path", path))
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, goerr.Wrap(err, "parse loss value", goerr.V("path", path))
		}
		history = append(history, value)
	}
	return history, true, nil
}

// CheckpointFiles writes one JSON file per checkpoint under
// <base>/<run>/checkpoints. Files appear atomically.
type CheckpointFiles struct {
	BaseDir string
}

func checkpointName(iteration int) string {
	return fmt.Sprintf("checkpoint_%08d.json", iteration)
}

func (c CheckpointFiles) SaveCheckpoint(_ context.Context, cp model.Checkpoint) error {
	dir := filepath.Join(RunDir(c.BaseDir, cp.RunID), checkpointDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.IO(err, "create checkpoint directory", goerr.V("dir", dir))
	}
	return writeJSON(filepath.Join(dir, checkpointName(cp.Iteration)), cp)
}

// Latest returns the highest-iteration checkpoint written for runID.
func (c CheckpointFiles) Latest(runID string) (model.Checkpoint, bool, error) {
	dir := filepath.Join(RunDir(c.BaseDir, runID), checkpointDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, fault.IO(err, "list checkpoints", goerr.V("dir", dir))
	}
	latest := ""
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "checkpoint_") && strings.HasSuffix(name, ".json") && name > latest {
			latest = name
		}
	}
	if latest == "" {
		return model.Checkpoint{}, false, nil
	}
	cp, err := ReadCheckpointFile(filepath.Join(dir, latest))
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func ReadCheckpointFile(path string) (model.Checkpoint, error) {
	var cp model.Checkpoint
	ok, err := readJSON(path, &cp)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if !ok {
		return model.Checkpoint{}, fault.IO(os.ErrNotExist, "read checkpoint", goerr.V("path", path))
	}
	return cp, nil
}

// DistributionFiles writes sampled ensembles as CSV under
// <base>/<run>/dumps.
type DistributionFiles struct {
	BaseDir string
}

func (d DistributionFiles) SaveDistribution(_ context.Context, runID string, iteration int, ens *beam.Ensemble) error {
	dir := filepath.Join(RunDir(d.BaseDir, runID), dumpDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.IO(err, "create dump directory", goerr.V("dir", dir))
	}
	return WriteEnsembleCSV(filepath.Join(dir, fmt.Sprintf("distribution_%08d.csv", iteration)), ens)
}

// WriteEnsembleCSV writes one particle per row with a coordinate header.
func WriteEnsembleCSV(path string, ens *beam.Ensemble) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		writer := csv.NewWriter(w)
		header := make([]string, beam.Dims)
		for c := range header {
			header[c] = beam.CoordinateName(c)
		}
		if err := writer.Write(header); err != nil {
			return err
		}
		row := make([]string, beam.Dims)
		for i := 0; i < ens.N; i++ {
			for c, v := range ens.Particle(i) {
				row[c] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			if err := writer.Write(row); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "encode json", goerr.V("path", path))
	}
	data = append(data, '\n')
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func readJSON(path string, dst any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fault.IO(err, "read file", goerr.V("path", path))
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, goerr.Wrap(err, "decode json", goerr.V("path", path))
	}
	return true, nil
}

// writeFileAtomic writes through a temporary file in the target directory
// and renames it into place.
func writeFileAtomic(path string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fault.IO(err, "create temporary file", goerr.V("path", path))
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return fault.IO(err, "write file", goerr.V("path", path))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fault.IO(err, "sync file", goerr.V("path", path))
	}
	if err := tmp.Close(); err != nil {
		return fault.IO(err, "close file", goerr.V("path", path))
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fault.IO(err, "rename file", goerr.V("path", path))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fault.IO(err, "open file", goerr.V("path", src))
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fault.IO(err, "create file", goerr.V("path", dst))
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fault.IO(err, "copy file", goerr.V("src", src), goerr.V("dst", dst))
	}
	return out.Sync()
}
