package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/apogee-data/cannon/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testModel() *model.Model {
	return &model.Model{
		Order:      1,
		LabelNames: []string{"TEFF", "LOGG"},
		Pivots:     []float64{5000, 4},
		Scales:     []float64{500, 1},
		Wavelength: []float64{15000, 15001, 15002},
		Coeffs: mat.NewDense(3, 3, []float64{
			1, 0.1, -0.2,
			0.9, 0.05, -0.1,
			1.1, 0.2, -0.3,
		}),
		Scatter: []float64{0.01, 0.02, 0.03},
		Chisq:   []float64{10, 20, 30},
	}
}

func TestCreateRun(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	cfg := map[string]any{"continuum_fraction": 0.07}
	id, err := s.CreateRun(cfg, "regression run")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec, err := s.Run(id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "regression run", rec.Notes)
	assert.NotEmpty(t, rec.CreatedAt)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.ConfigJSON), &got))
	assert.Equal(t, 0.07, got["continuum_fraction"])

	_, err = s.Run("no-such-run")
	assert.Error(t, err)
}

func TestSaveModel(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	id, err := s.CreateRun(struct{}{}, "")
	require.NoError(t, err)
	m := testModel()
	require.NoError(t, s.SaveModel(id, m))

	var n int
	require.NoError(t, s.QueryRow(`SELECT COUNT(*) FROM model_pixels WHERE run_id = ?`, id).Scan(&n))
	assert.Equal(t, 3, n)

	var coeffsJSON string
	var scatter, chisq, wavelength float64
	require.NoError(t, s.QueryRow(
		`SELECT wavelength, coeffs_json, scatter, chisq FROM model_pixels WHERE run_id = ? AND pixel = 1`, id).
		Scan(&wavelength, &coeffsJSON, &scatter, &chisq))
	assert.Equal(t, 15001.0, wavelength)
	assert.Equal(t, 0.02, scatter)
	assert.Equal(t, 20.0, chisq)
	var coeffs []float64
	require.NoError(t, json.Unmarshal([]byte(coeffsJSON), &coeffs))
	if diff := cmp.Diff([]float64{0.9, 0.05, -0.1}, coeffs); diff != "" {
		t.Errorf("coefficients mismatch (-want +got):\n%s", diff)
	}
}

func TestMaskRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	id, err := s.CreateRun(struct{}{}, "")
	require.NoError(t, err)

	mask := []bool{true, false, false, true, true, false}
	require.NoError(t, s.SaveMask(id, mask))

	got, err := s.Mask(id, len(mask))
	require.NoError(t, err)
	if diff := cmp.Diff(mask, got); diff != "" {
		t.Errorf("mask mismatch (-want +got):\n%s", diff)
	}

	// reloading against a too-small grid is an error
	_, err = s.Mask(id, 3)
	assert.ErrorContains(t, err, "out of range")
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	id, err := s.CreateRun(struct{}{}, "")
	require.NoError(t, err)

	cov := mat.NewSymDense(2, []float64{4, 0.5, 0.5, 1})
	res := &model.Result{
		LabelNames: []string{"TEFF", "LOGG"},
		Labels:     mat.NewDense(2, 2, []float64{5100, 4.1, 4900, 3.9}),
		Covs:       []*mat.SymDense{cov, nil},
		Chisq:      []float64{120, 340},
		Converged:  []bool{true, false},
	}
	require.NoError(t, s.SaveResult(id, []string{"starb", "stara"}, res))

	stars, err := s.InferredLabels(id)
	require.NoError(t, err)
	require.Len(t, stars, 2)

	// ordered by object ID
	assert.Equal(t, "stara", stars[0].ObjectID)
	assert.False(t, stars[0].Converged)
	assert.Nil(t, stars[0].Cov)
	if diff := cmp.Diff([]float64{4900, 3.9}, stars[0].Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "starb", stars[1].ObjectID)
	assert.True(t, stars[1].Converged)
	assert.Equal(t, 120.0, stars[1].Chisq)
	if diff := cmp.Diff([][]float64{{4, 0.5}, {0.5, 1}}, stars[1].Cov); diff != "" {
		t.Errorf("covariance mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveResultValidation(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	id, err := s.CreateRun(struct{}{}, "")
	require.NoError(t, err)

	res := &model.Result{
		LabelNames: []string{"TEFF"},
		Labels:     mat.NewDense(2, 1, []float64{1, 2}),
		Covs:       []*mat.SymDense{nil, nil},
		Chisq:      []float64{0, 0},
		Converged:  []bool{true, true},
	}
	err = s.SaveResult(id, []string{"only-one"}, res)
	assert.ErrorContains(t, err, "1 IDs for 2")
}
