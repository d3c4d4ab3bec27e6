package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/apogee-data/cannon/internal/monitoring"
	"github.com/apogee-data/cannon/model"
	"github.com/apogee-data/cannon/spectra"
)

// FlaggedStars writes the post-run outlier reports: one text file per label
// listing the survey objects whose inferred value lies two or more standard
// deviations outside the reference label distribution, plus one file
// listing objects whose fit did not converge. Returns the per-label outlier
// counts keyed by label name.
func FlaggedStars(ref *spectra.Dataset, res *model.Result, ids []string, dir string) (map[string]int, error) {
	if ref.Labels == nil {
		return nil, fmt.Errorf("diag: reference set has no labels")
	}
	nObj, nLab := res.Labels.Dims()
	if len(ids) != nObj {
		return nil, fmt.Errorf("diag: %d IDs for %d inferred objects", len(ids), nObj)
	}
	if nLab != ref.NumLabels() {
		return nil, fmt.Errorf("diag: result has %d labels, reference has %d", nLab, ref.NumLabels())
	}

	counts := make(map[string]int, nLab)
	refCol := make([]float64, ref.NumObjects())
	for l := 0; l < nLab; l++ {
		mat.Col(refCol, l, ref.Labels)
		mean := stat.Mean(refCol, nil)
		sigma := stat.StdDev(refCol, nil)
		lower, upper := mean-2*sigma, mean+2*sigma

		var b strings.Builder
		n := 0
		for i := 0; i < nObj; i++ {
			v := res.Labels.At(i, l)
			if v < lower || v > upper {
				b.WriteString(ids[i] + "\n")
				n++
			}
		}
		name := res.LabelNames[l]
		counts[name] = n
		path := filepath.Join(dir, "flagged_stars_"+sanitize(name)+".txt")
		if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
			return nil, fmt.Errorf("diag: write %s: %w", path, err)
		}
		monitoring.Logf("diag: flagged %d stars beyond 2-sigma of reference %s, saved %s", n, name, path)
	}

	var b strings.Builder
	for i, ok := range res.Converged {
		if !ok {
			b.WriteString(ids[i] + "\n")
		}
	}
	path := filepath.Join(dir, "nonconverged_stars.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return nil, fmt.Errorf("diag: write %s: %w", path, err)
	}
	monitoring.Logf("diag: %d non-converged stars listed in %s", res.NumFlagged(), path)
	return counts, nil
}

// sanitize maps a label name to a filesystem-safe token.
func sanitize(name string) string {
	r := strings.NewReplacer("/", "_", " ", "_", "[", "", "]", "", "$", "", "\\", "")
	return r.Replace(name)
}
