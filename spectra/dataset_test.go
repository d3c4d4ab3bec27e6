package spectra

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/apogee-data/cannon/internal/testutil"
)

func smallDataset(t *testing.T) *Dataset {
	t.Helper()
	wave := testutil.Linspace(15100, 15104, 5)
	flux := mat.NewDense(3, 5, []float64{
		1, 1, 1, 1, 1,
		2, 2, 2, 2, 2,
		1, 0.5, 1, 0.5, 1,
	})
	ivar := mat.NewDense(3, 5, []float64{
		4, 4, 4, 4, 4,
		1, 1, 1, 1, 1,
		0, 1, 1, 1, 1,
	})
	ds, err := New(wave, []string{"a", "b", "c"}, flux, ivar)
	require.NoError(t, err)
	return ds
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("computes SNR per object", func(t *testing.T) {
		t.Parallel()
		ds := smallDataset(t)
		// object a: flux 1, ivar 4 everywhere -> SNR = 2
		assert.InDelta(t, 2.0, ds.SNR[0], 1e-12)
		// object b: flux 2, ivar 1 -> SNR = 2
		assert.InDelta(t, 2.0, ds.SNR[1], 1e-12)
		// object c: first pixel masked; median of {0.5, 1, 0.5, 1}
		assert.InDelta(t, 0.75, ds.SNR[2], 1e-12)
	})

	t.Run("rejects shape mismatches", func(t *testing.T) {
		t.Parallel()
		wave := testutil.Linspace(0, 4, 5)
		flux := mat.NewDense(2, 5, nil)

		_, err := New(wave, []string{"a", "b"}, flux, mat.NewDense(2, 4, nil))
		assert.ErrorContains(t, err, "ivar shape")

		_, err = New(wave[:4], []string{"a", "b"}, flux, mat.NewDense(2, 5, nil))
		assert.ErrorContains(t, err, "wavelength grid")

		_, err = New(wave, []string{"a"}, flux, mat.NewDense(2, 5, nil))
		assert.ErrorContains(t, err, "object IDs")
	})

	t.Run("rejects unsorted wavelength grid", func(t *testing.T) {
		t.Parallel()
		wave := []float64{3, 2, 1, 4, 5}
		_, err := New(wave, []string{"a"}, mat.NewDense(1, 5, nil), mat.NewDense(1, 5, nil))
		assert.ErrorContains(t, err, "not ascending")
	})
}

func TestLabels(t *testing.T) {
	t.Parallel()

	t.Run("set and choose labels", func(t *testing.T) {
		t.Parallel()
		ds := smallDataset(t)
		vals := mat.NewDense(3, 3, []float64{
			5000, 4.0, -0.5,
			5500, 4.2, 0.0,
			6000, 4.4, 0.5,
		})
		require.NoError(t, ds.SetLabels([]string{"TEFF", "LOGG", "FEH"}, vals))
		assert.Equal(t, 3, ds.NumLabels())

		sub, err := ds.ChooseLabels([]string{"FEH", "TEFF"})
		require.NoError(t, err)
		assert.Equal(t, []string{"FEH", "TEFF"}, sub.LabelNames)
		assert.Equal(t, -0.5, sub.Labels.At(0, 0))
		assert.Equal(t, 5000.0, sub.Labels.At(0, 1))
		// original untouched
		assert.Equal(t, []string{"TEFF", "LOGG", "FEH"}, ds.LabelNames)
	})

	t.Run("choose unknown label fails", func(t *testing.T) {
		t.Parallel()
		ds := smallDataset(t)
		require.NoError(t, ds.SetLabels([]string{"TEFF"}, mat.NewDense(3, 1, []float64{1, 2, 3})))
		_, err := ds.ChooseLabels([]string{"ALPHA"})
		assert.ErrorContains(t, err, `label "ALPHA" not found`)
	})

	t.Run("row count must match objects", func(t *testing.T) {
		t.Parallel()
		ds := smallDataset(t)
		err := ds.SetLabels([]string{"TEFF"}, mat.NewDense(2, 1, nil))
		assert.ErrorContains(t, err, "label table has 2 rows")
	})

	t.Run("TeX names are display only", func(t *testing.T) {
		t.Parallel()
		ds := smallDataset(t)
		require.NoError(t, ds.SetLabels([]string{"TEFF", "LOGG"},
			mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})))
		assert.Equal(t, []string{"TEFF", "LOGG"}, ds.PlotNames())
		require.NoError(t, ds.SetLabelNamesTeX([]string{`T_{eff}`, `\log g`}))
		assert.Equal(t, []string{`T_{eff}`, `\log g`}, ds.PlotNames())
		assert.Equal(t, []string{"TEFF", "LOGG"}, ds.LabelNames)
	})
}

func TestChooseObjects(t *testing.T) {
	t.Parallel()

	ds := smallDataset(t)
	require.NoError(t, ds.SetLabels([]string{"TEFF"}, mat.NewDense(3, 1, []float64{10, 20, 30})))

	sub, err := ds.ChooseObjects([]bool{true, false, true})
	require.NoError(t, err)
	assert.Equal(t, 2, sub.NumObjects())
	if diff := cmp.Diff([]string{"a", "c"}, sub.IDs); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 30.0, sub.Labels.At(1, 0))
	assert.Equal(t, ds.Flux.At(2, 1), sub.Flux.At(1, 1))

	_, err = ds.ChooseObjects([]bool{true})
	assert.ErrorContains(t, err, "mask length")
}

func TestRanges(t *testing.T) {
	t.Parallel()

	t.Run("whole grid is one chunk by default", func(t *testing.T) {
		t.Parallel()
		ds := smallDataset(t)
		assert.Equal(t, []Range{{Lo: 0, Hi: 5}}, ds.Chunks())
	})

	t.Run("declared ranges are validated", func(t *testing.T) {
		t.Parallel()
		ds := smallDataset(t)
		require.NoError(t, ds.SetRanges([]Range{{0, 2}, {3, 5}}))
		assert.Equal(t, []Range{{0, 2}, {3, 5}}, ds.Chunks())

		assert.Error(t, ds.SetRanges([]Range{{0, 3}, {2, 5}})) // overlap
		assert.Error(t, ds.SetRanges([]Range{{2, 2}}))         // empty
		assert.Error(t, ds.SetRanges([]Range{{0, 9}}))         // out of bounds
	})

	t.Run("wavelength bounds map to pixel ranges", func(t *testing.T) {
		t.Parallel()
		ds := smallDataset(t) // grid 15100..15104 step 1
		ranges, err := ds.RangesFromWavelengths([][2]float64{{15100.5, 15103.5}})
		require.NoError(t, err)
		assert.Equal(t, []Range{{Lo: 1, Hi: 4}}, ranges)

		_, err = ds.RangesFromWavelengths([][2]float64{{15200, 15300}})
		assert.ErrorContains(t, err, "selects no pixels")
	})
}

func TestWithSpectra(t *testing.T) {
	t.Parallel()

	ds := smallDataset(t)
	require.NoError(t, ds.SetLabels([]string{"TEFF"}, mat.NewDense(3, 1, []float64{10, 20, 30})))

	flux := mat.NewDense(3, 5, nil)
	ivar := mat.NewDense(3, 5, nil)
	flux.Copy(ds.Flux)
	ivar.Copy(ds.Ivar)
	flux.Set(0, 0, 10)
	ivar.Set(0, 0, 100)

	out, err := ds.WithSpectra(flux, ivar)
	require.NoError(t, err)
	assert.Equal(t, ds.LabelNames, out.LabelNames)
	assert.Equal(t, 10.0, out.Flux.At(0, 0))
	// SNRs recomputed for the replacement arrays
	assert.NotEqual(t, ds.SNR[0], out.SNR[0])
	// source arrays untouched
	assert.Equal(t, 1.0, ds.Flux.At(0, 0))
}
