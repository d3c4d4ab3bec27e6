package spectra

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/apogee-data/cannon/internal/monitoring"
)

// ErrMisaligned reports a data-integrity failure between the spectra on disk
// and the label table: an object present on one side only. Callers can test
// for it with errors.Is.
var ErrMisaligned = errors.New("spectra and label table misaligned")

// Load reads one spectrum file per object from specDir and the reference
// label table from labelPath, and returns a Dataset ordered by the label
// table's rows.
//
// Every label row must have a spectrum file and every spectrum file must
// have a label row; any mismatch is an ErrMisaligned failure naming the
// offending IDs, never a silent drop. All spectra must share an identical
// wavelength grid.
func Load(specDir, labelPath string) (*Dataset, error) {
	ids, names, vals, err := LoadLabelTable(labelPath)
	if err != nil {
		return nil, err
	}

	onDisk, err := listSpectrumIDs(specDir)
	if err != nil {
		return nil, err
	}
	labeled := make(map[string]bool, len(ids))
	for _, id := range ids {
		labeled[id] = true
	}
	var orphans []string
	for _, id := range onDisk {
		if !labeled[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		return nil, fmt.Errorf("%w: %d spectra with no label row (e.g. %s)",
			ErrMisaligned, len(orphans), orphans[0])
	}

	ds, err := loadSpectra(specDir, ids)
	if err != nil {
		return nil, err
	}
	if err := ds.SetLabels(names, vals); err != nil {
		return nil, err
	}
	monitoring.Logf("loaded %d spectra of %d pixels with %d labels from %s",
		ds.NumObjects(), ds.NumPixels(), ds.NumLabels(), specDir)
	return ds, nil
}

// LoadUnlabeled reads every spectrum file under specDir into a Dataset with
// no label table, ordered by object ID. Used for survey sets whose labels
// are to be inferred.
func LoadUnlabeled(specDir string) (*Dataset, error) {
	ids, err := listSpectrumIDs(specDir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no spectrum files found in %s", specDir)
	}
	ds, err := loadSpectra(specDir, ids)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("loaded %d unlabeled spectra of %d pixels from %s",
		ds.NumObjects(), ds.NumPixels(), specDir)
	return ds, nil
}

// LoadLabelTable reads a CSV label table. The first header column is the
// object ID; the remaining header cells name the labels.
func LoadLabelTable(path string) (ids []string, names []string, vals *mat.Dense, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open label table: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse label table %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, nil, nil, fmt.Errorf("label table %s has no data rows", path)
	}
	header := records[0]
	if len(header) < 2 {
		return nil, nil, nil, fmt.Errorf("label table %s needs an ID column and at least one label", path)
	}
	names = header[1:]

	nObj := len(records) - 1
	ids = make([]string, nObj)
	vals = mat.NewDense(nObj, len(names), nil)
	seen := make(map[string]bool, nObj)
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, nil, nil, fmt.Errorf("label table %s row %d has %d fields, want %d", path, i+2, len(rec), len(header))
		}
		id := strings.TrimSpace(rec[0])
		if seen[id] {
			return nil, nil, nil, fmt.Errorf("label table %s has duplicate ID %q", path, id)
		}
		seen[id] = true
		ids[i] = id
		for j, cell := range rec[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("label table %s row %d column %q: %w", path, i+2, names[j], err)
			}
			vals.Set(i, j, v)
		}
	}
	return ids, names, vals, nil
}

// listSpectrumIDs returns the sorted object IDs implied by the .csv files
// under dir.
func listSpectrumIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spectra directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".csv" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".csv"))
	}
	sort.Strings(ids)
	return ids, nil
}

// loadSpectra reads the spectrum file for each ID, in order, checking that
// every file shares the first file's wavelength grid.
func loadSpectra(dir string, ids []string) (*Dataset, error) {
	var (
		wave []float64
		flux *mat.Dense
		ivar *mat.Dense
	)
	for i, id := range ids {
		path := filepath.Join(dir, id+".csv")
		w, f, v, err := readSpectrumFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: no spectrum file for label row %q", ErrMisaligned, id)
			}
			return nil, err
		}
		if wave == nil {
			wave = w
			flux = mat.NewDense(len(ids), len(w), nil)
			ivar = mat.NewDense(len(ids), len(w), nil)
		} else if !sameGrid(wave, w) {
			return nil, fmt.Errorf("spectrum %s: wavelength grid differs from %s", id, ids[0])
		}
		flux.SetRow(i, f)
		ivar.SetRow(i, v)
	}
	return New(wave, ids, flux, ivar)
}

// readSpectrumFile parses a per-object CSV with header wavelength,flux,ivar.
func readSpectrumFile(path string) (wave, flux, ivar []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open spectrum: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse spectrum %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, nil, nil, fmt.Errorf("spectrum %s has no data rows", path)
	}
	for i, rec := range records[1:] {
		if len(rec) != 3 {
			return nil, nil, nil, fmt.Errorf("spectrum %s row %d has %d fields, want 3", path, i+2, len(rec))
		}
		var row [3]float64
		for j, cell := range rec {
			row[j], err = strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("spectrum %s row %d: %w", path, i+2, err)
			}
		}
		if row[2] < 0 {
			return nil, nil, nil, fmt.Errorf("spectrum %s row %d: negative inverse variance", path, i+2)
		}
		wave = append(wave, row[0])
		flux = append(flux, row[1])
		ivar = append(ivar, row[2])
	}
	return wave, flux, ivar, nil
}

func sameGrid(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
