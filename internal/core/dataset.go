package core

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"model-benchmark/internal/storage"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrDatasetFormat   = errors.New("invalid dataset format")
)

// Dataset is a parsed split. The last csv column is the label, every other column a feature.
// It is never modified after loading and may be read from several goroutines.
type Dataset struct {
	X            *mat.Dense
	Y            []float64
	FeatureNames []string
	LabelName    string
}

func (d *Dataset) Rows() int {
	r, _ := d.X.Dims()
	return r
}

func (d *Dataset) Features() int {
	_, c := d.X.Dims()
	return c
}

type DatasetLoader struct {
	store      storage.ObjectStore
	bucket     string
	scratchDir string
}

func NewDatasetLoader(store storage.ObjectStore, bucket, scratchDir string) *DatasetLoader {
	return &DatasetLoader{store: store, bucket: bucket, scratchDir: scratchDir}
}

// Load downloads and parses one split of a request's data. Nothing is cached between calls.
func (l *DatasetLoader) Load(ctx context.Context, userId string, split Split) (*Dataset, error) {
	key := DatasetKey(userId, split)

	if err := os.MkdirAll(l.scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating scratch dir: %w", err)
	}
	path := filepath.Join(l.scratchDir, key+".csv")

	if err := l.store.DownloadObject(ctx, l.bucket, key, path); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, key)
		}
		return nil, fmt.Errorf("error downloading dataset %s: %w", key, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening dataset %s: %w", key, err)
	}
	defer file.Close()

	dataset, err := ParseDataset(file)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", key, err)
	}
	return dataset, nil
}

func isMissing(cell string) bool {
	switch strings.ToLower(cell) {
	case "", "na", "nan", "null":
		return true
	}
	return false
}

func parseCell(cell string) (float64, bool) {
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func isDataRow(record []string) bool {
	for _, cell := range record {
		if _, ok := parseCell(strings.TrimSpace(cell)); !ok {
			return false
		}
	}
	return true
}

// ParseDataset reads a numeric csv. The first row is treated as a header unless every one of
// its fields is a number. Missing feature cells are filled with the column median.
func ParseDataset(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatasetFormat, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrDatasetFormat)
	}

	cols := len(records[0])
	if cols < 2 {
		return nil, fmt.Errorf("%w: need at least one feature column and a label column, got %d columns", ErrDatasetFormat, cols)
	}

	var header []string
	if !isDataRow(records[0]) {
		header = records[0]
		records = records[1:]
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrDatasetFormat)
	}

	n, p := len(records), cols-1
	X := mat.NewDense(n, p, nil)
	y := make([]float64, n)
	missing := make([][]int, p)

	for i, record := range records {
		for j, raw := range record {
			cell := strings.TrimSpace(raw)
			if isMissing(cell) {
				if j == p {
					return nil, fmt.Errorf("%w: row %d has no label", ErrDatasetFormat, i+1)
				}
				missing[j] = append(missing[j], i)
				continue
			}
			v, ok := parseCell(cell)
			if !ok {
				return nil, fmt.Errorf("%w: row %d column %d is not numeric: %q", ErrDatasetFormat, i+1, j+1, cell)
			}
			if j == p {
				y[i] = v
			} else {
				X.Set(i, j, v)
			}
		}
	}

	for j, rowsMissing := range missing {
		if len(rowsMissing) == 0 {
			continue
		}
		if len(rowsMissing) == n {
			return nil, fmt.Errorf("%w: column %d has no numeric values", ErrDatasetFormat, j+1)
		}
		fill := columnMedian(X, j, rowsMissing)
		for _, i := range rowsMissing {
			X.Set(i, j, fill)
		}
	}

	dataset := &Dataset{X: X, Y: y}
	if header != nil {
		dataset.FeatureNames = make([]string, p)
		for j := 0; j < p; j++ {
			dataset.FeatureNames[j] = strings.TrimSpace(header[j])
		}
		dataset.LabelName = strings.TrimSpace(header[p])
	} else {
		dataset.FeatureNames = make([]string, p)
		for j := range dataset.FeatureNames {
			dataset.FeatureNames[j] = fmt.Sprintf("feature_%d", j)
		}
		dataset.LabelName = "label"
	}
	return dataset, nil
}

// columnMedian is the median of column j over the rows not listed in skip. Even counts average
// the two middle values.
func columnMedian(X *mat.Dense, j int, skip []int) float64 {
	n, _ := X.Dims()
	skipped := make(map[int]struct{}, len(skip))
	for _, i := range skip {
		skipped[i] = struct{}{}
	}

	values := make([]float64, 0, n-len(skip))
	for i := 0; i < n; i++ {
		if _, ok := skipped[i]; !ok {
			values = append(values, X.At(i, j))
		}
	}
	sort.Float64s(values)

	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}
