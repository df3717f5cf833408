package datasets

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path"
	"strings"

	"k8s.io/klog/v2"
)

// Default split descriptor columns.
const (
	DefaultPathColumn  = "img_path"
	DefaultLabelColumn = "targets"
)

// SplitDescriptor is the parsed content of an evaluation split CSV: one
// relative image path and one raw label per row.
type SplitDescriptor struct {
	Paths  []string
	Labels []string
}

// Len returns the number of rows.
func (s *SplitDescriptor) Len() int { return len(s.Paths) }

// LoadSplit reads a split descriptor CSV from disk. Empty column names select
// the defaults.
func LoadSplit(file, pathColumn, labelColumn string) (*SplitDescriptor, error) {
	f, err := os.Open(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("split descriptor %s not found: %w", file, ErrConfiguration)
		}
		return nil, fmt.Errorf("failed to open split descriptor %s: %w", file, err)
	}
	defer f.Close()

	split, err := ParseSplit(f, pathColumn, labelColumn)
	if err != nil {
		return nil, fmt.Errorf("split descriptor %s: %w", file, err)
	}
	return split, nil
}

// ParseSplit reads a split descriptor from r. The header must name both the
// path and the label column; other columns are ignored.
func ParseSplit(r io.Reader, pathColumn, labelColumn string) (*SplitDescriptor, error) {
	if pathColumn == "" {
		pathColumn = DefaultPathColumn
	}
	if labelColumn == "" {
		labelColumn = DefaultLabelColumn
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	colIndex, err := readCSVHeader(reader)
	if err != nil {
		return nil, err
	}
	pathIdx, ok := colIndex[normalizeColumn(pathColumn)]
	if !ok {
		return nil, fmt.Errorf("path column %q not found: %w", pathColumn, ErrConfiguration)
	}
	labelIdx, ok := colIndex[normalizeColumn(labelColumn)]
	if !ok {
		return nil, fmt.Errorf("label column %q not found: %w", labelColumn, ErrConfiguration)
	}

	split := &SplitDescriptor{}
	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", row, err)
		}
		if pathIdx >= len(record) || labelIdx >= len(record) {
			return nil, fmt.Errorf("row %d has %d columns: %w", row, len(record), ErrConfiguration)
		}
		p := strings.TrimSpace(record[pathIdx])
		l := strings.TrimSpace(record[labelIdx])
		if p == "" || l == "" {
			return nil, fmt.Errorf("row %d has an empty path or label: %w", row, ErrConfiguration)
		}
		split.Paths = append(split.Paths, p)
		split.Labels = append(split.Labels, l)
	}
	if split.Len() == 0 {
		return nil, fmt.Errorf("split has no rows: %w", ErrConfiguration)
	}
	return split, nil
}

// SubsetDataset is an ImageFolder restricted to the rows of a split
// descriptor and relabelled to dense ids. It keeps a reference to the base
// dataset for image loading instead of copying it.
type SubsetDataset struct {
	base    *ImageFolder
	samples []Sample
	classes []string
}

// ConstructSubset builds the subset of base named by split. Image paths are
// joined onto root. Raw labels are sorted (numerically when they are all
// integers) and numbered from 0 in that order. Missing images are not
// checked here; they fail with ErrMissingFile when first loaded.
func ConstructSubset(base *ImageFolder, split *SplitDescriptor, root string) (*SubsetDataset, error) {
	if base == nil {
		return nil, fmt.Errorf("base dataset is nil: %w", ErrConfiguration)
	}
	if split == nil || split.Len() == 0 {
		return nil, fmt.Errorf("split is empty: %w", ErrConfiguration)
	}
	if len(split.Paths) != len(split.Labels) {
		return nil, fmt.Errorf("split has %d paths and %d labels: %w",
			len(split.Paths), len(split.Labels), ErrConfiguration)
	}

	classes := sortedUnique(split.Labels)
	ids := make(map[string]int, len(classes))
	for i, c := range classes {
		ids[c] = i
	}

	root = strings.Trim(root, "/")
	samples := make([]Sample, len(split.Paths))
	for i, p := range split.Paths {
		samples[i] = Sample{Path: path.Join(root, p), Label: ids[split.Labels[i]]}
	}

	klog.V(1).Infof("split subset: %d samples in %d classes under %q", len(samples), len(classes), root)
	return &SubsetDataset{base: base, samples: samples, classes: classes}, nil
}

// Base returns the dataset the subset was built from.
func (d *SubsetDataset) Base() *ImageFolder { return d.base }

func (d *SubsetDataset) Len() int { return len(d.samples) }

// Sample returns entry i.
func (d *SubsetDataset) Sample(i int) Sample { return d.samples[i] }

func (d *SubsetDataset) Path(i int) string { return d.samples[i].Path }

// Classes returns the raw labels indexed by their dense id.
func (d *SubsetDataset) Classes() []string { return append([]string(nil), d.classes...) }

func (d *SubsetDataset) NumClasses() int { return len(d.classes) }

func (d *SubsetDataset) Label(i int) int { return d.samples[i].Label }

func (d *SubsetDataset) ImageShape() [3]int { return d.base.Shape() }

// Example loads sample i through the base dataset's reader.
func (d *SubsetDataset) Example(ctx context.Context, i int, rng *rand.Rand) ([]float32, error) {
	if i < 0 || i >= len(d.samples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", i, len(d.samples))
	}
	return d.base.Load(ctx, d.samples[i].Path, rng)
}
