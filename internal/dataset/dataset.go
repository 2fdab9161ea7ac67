// Package dataset loads and writes measurement sets: one screen geometry
// shared by a list of (configuration, image) pairs.
package dataset

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/beamline"
	"phasespace/internal/fault"
	"phasespace/internal/screen"
)

const (
	ManifestFile           = "dataset.json"
	SupportedSchemaVersion = 1
)

// Measurement is one observed image. Screen, when set, is the bin layout the
// image was recorded with and must match the dataset geometry. A nil Weight
// counts as 1; an explicit 0 leaves the measurement out of the loss.
type Measurement struct {
	Name          string
	Configuration beamline.Configuration
	Image         screen.Image
	Screen        *screen.Geometry
	Weight        *float64
}

type Dataset struct {
	Name         string
	Geometry     screen.Geometry
	Measurements []Measurement
}

type manifest struct {
	SchemaVersion int             `json:"schema_version"`
	Name          string          `json:"name"`
	Screen        screen.Geometry `json:"screen"`
	Measurements  []manifestEntry `json:"measurements"`
}

type manifestEntry struct {
	Name      string             `json:"name"`
	Overrides map[string]float64 `json:"overrides"`
	Image     string             `json:"image"`
	Screen    *screen.Geometry   `json:"screen,omitempty"`
	Weight    *float64           `json:"weight,omitempty"`
}

// Validate checks the dataset against itself and, when seq is not nil,
// every override against the sequence.
func (d *Dataset) Validate(seq *beamline.Sequence) error {
	if err := d.Geometry.Validate(); err != nil {
		return err
	}
	if len(d.Measurements) == 0 {
		return fault.Config(nil, "dataset has no measurements")
	}
	seen := make(map[string]struct{}, len(d.Measurements))
	weighted := false
	for i, m := range d.Measurements {
		if m.Name == "" {
			return fault.Config(nil, "measurement name is required", goerr.V("index", i))
		}
		if _, dup := seen[m.Name]; dup {
			return fault.Config(nil, "duplicate measurement name", goerr.V("measurement", m.Name))
		}
		seen[m.Name] = struct{}{}
		if m.Image.NX != d.Geometry.NX || m.Image.NY != d.Geometry.NY || len(m.Image.Pixels) != d.Geometry.Pixels() {
			return fault.Config(fault.ErrGeometryMismatch, "image shape differs from screen geometry",
				goerr.V("measurement", m.Name),
				goerr.V("bins_x", m.Image.NX), goerr.V("bins_y", m.Image.NY))
		}
		if m.Screen != nil && !m.Screen.Same(d.Geometry) {
			return fault.Config(fault.ErrGeometryMismatch, "measurement screen differs from dataset screen",
				goerr.V("measurement", m.Name),
				goerr.V("screen", *m.Screen), goerr.V("dataset_screen", d.Geometry))
		}
		if w := m.Weight; w != nil && (*w < 0 || math.IsNaN(*w) || math.IsInf(*w, 0)) {
			return fault.Config(nil, "measurement weight must be finite and >= 0",
				goerr.V("measurement", m.Name), goerr.V("weight", *w))
		}
		if m.Weight == nil || *m.Weight > 0 {
			weighted = true
		}
		if seq != nil {
			if err := seq.ValidateConfiguration(m.Configuration); err != nil {
				return goerr.Wrap(err, "invalid measurement configuration", goerr.V("measurement", m.Name))
			}
		}
	}
	if !weighted {
		return fault.Config(nil, "every measurement has weight 0")
	}
	return nil
}

// Weights returns per-measurement weights, 1 where unset. It returns nil when
// every weight is 1.
func (d *Dataset) Weights() []float64 {
	out := make([]float64, len(d.Measurements))
	uniform := true
	for i, m := range d.Measurements {
		out[i] = 1
		if m.Weight != nil {
			out[i] = *m.Weight
		}
		uniform = uniform && out[i] == 1
	}
	if uniform {
		return nil
	}
	return out
}

// Normalized returns a copy with every image scaled to total.
func (d *Dataset) Normalized(total float64) (*Dataset, error) {
	out := &Dataset{Name: d.Name, Geometry: d.Geometry, Measurements: make([]Measurement, len(d.Measurements))}
	for i, m := range d.Measurements {
		img, err := screen.Normalize(m.Image, total)
		if err != nil {
			return nil, goerr.Wrap(err, "normalize measurement", goerr.V("measurement", m.Name))
		}
		m.Image = img
		out.Measurements[i] = m
	}
	return out, nil
}

// Load reads dir/dataset.json and the CSV images it names.
func Load(dir string) (*Dataset, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.IO(err, "read dataset manifest", goerr.V("path", path))
	}
	var mf manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fault.Config(err, "decode dataset manifest", goerr.V("path", path))
	}
	if mf.SchemaVersion != 0 && mf.SchemaVersion != SupportedSchemaVersion {
		return nil, fault.Config(nil, "unsupported dataset schema", goerr.V("schema_version", mf.SchemaVersion))
	}
	if mf.Screen == (screen.Geometry{}) && len(mf.Measurements) > 0 && mf.Measurements[0].Screen != nil {
		mf.Screen = *mf.Measurements[0].Screen
	}
	if err := mf.Screen.Validate(); err != nil {
		return nil, err
	}

	ds := &Dataset{Name: mf.Name, Geometry: mf.Screen}
	if ds.Name == "" {
		ds.Name = filepath.Base(filepath.Clean(dir))
	}
	for _, entry := range mf.Measurements {
		imgPath := filepath.Join(dir, entry.Image)
		img, err := readImage(imgPath)
		if err != nil {
			return nil, goerr.Wrap(err, "load measurement image", goerr.V("measurement", entry.Name))
		}
		ds.Measurements = append(ds.Measurements, Measurement{
			Name:          entry.Name,
			Configuration: beamline.Configuration{Name: entry.Name, Values: entry.Overrides},
			Image:         img,
			Screen:        entry.Screen,
			Weight:        entry.Weight,
		})
	}
	if err := ds.Validate(nil); err != nil {
		return nil, err
	}
	return ds, nil
}

// Write stores ds under dir as a manifest plus one CSV per measurement.
func Write(dir string, ds *Dataset) error {
	files := make(map[string]string, len(ds.Measurements))
	for _, m := range ds.Measurements {
		file := imageFileName(m.Name)
		key := strings.ToLower(file)
		if other, taken := files[key]; taken {
			return fault.Config(nil, "measurement names map to the same image file",
				goerr.V("measurement", m.Name), goerr.V("other", other), goerr.V("file", file))
		}
		files[key] = m.Name
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.IO(err, "create dataset directory", goerr.V("dir", dir))
	}
	mf := manifest{SchemaVersion: SupportedSchemaVersion, Name: ds.Name, Screen: ds.Geometry}
	for _, m := range ds.Measurements {
		file := imageFileName(m.Name)
		if err := writeImage(filepath.Join(dir, file), m.Image); err != nil {
			return err
		}
		mf.Measurements = append(mf.Measurements, manifestEntry{
			Name:      m.Name,
			Overrides: m.Configuration.Values,
			Image:     file,
			Screen:    m.Screen,
			Weight:    m.Weight,
		})
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "encode dataset manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fault.IO(err, "write dataset manifest", goerr.V("dir", dir))
	}
	return nil
}

func imageFileName(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	return clean + ".csv"
}

// readImage parses rows of comma-separated pixel values; the first row is
// the lowest y bin.
func readImage(path string) (screen.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return screen.Image{}, fault.IO(err, "open image", goerr.V("path", path))
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	var img screen.Image
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return screen.Image{}, fault.Config(err, "parse image csv", goerr.V("path", path))
		}
		if img.NY == 0 {
			img.NX = len(record)
		}
		for col, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return screen.Image{}, fault.Config(err, "parse pixel value",
					goerr.V("path", path), goerr.V("row", img.NY), goerr.V("col", col))
			}
			img.Pixels = append(img.Pixels, v)
		}
		img.NY++
	}
	if img.NY == 0 {
		return screen.Image{}, fault.Config(nil, "image is empty", goerr.V("path", path))
	}
	return img, nil
}

func writeImage(path string, img screen.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return fault.IO(err, "create image", goerr.V("path", path))
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	row := make([]string, img.NX)
	for iy := 0; iy < img.NY; iy++ {
		for ix := 0; ix < img.NX; ix++ {
			row[ix] = strconv.FormatFloat(img.At(ix, iy), 'g', -1, 64)
		}
		if err := writer.Write(row); err != nil {
			return fault.IO(err, "write image row", goerr.V("path", path))
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fault.IO(err, "flush image", goerr.V("path", path))
	}
	return nil
}
