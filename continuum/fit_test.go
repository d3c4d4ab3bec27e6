package continuum

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/apogee-data/cannon/internal/testutil"
	"github.com/apogee-data/cannon/spectra"
)

// curveDataset builds a one-object dataset whose flux follows the given
// continuum curve exactly.
func curveDataset(t *testing.T, wave []float64, curve func(float64) float64) *spectra.Dataset {
	t.Helper()
	n := len(wave)
	flux := mat.NewDense(1, n, nil)
	ivar := mat.NewDense(1, n, nil)
	for j, w := range wave {
		flux.Set(0, j, curve(w))
		ivar.Set(0, j, 100)
	}
	ds, err := spectra.New(wave, []string{"a"}, flux, ivar)
	require.NoError(t, err)
	return ds
}

func everyNth(nPix, stride int) []bool {
	mask := make([]bool, nPix)
	for j := 0; j < nPix; j += stride {
		mask[j] = true
	}
	return mask
}

func TestContinua(t *testing.T) {
	t.Parallel()

	t.Run("chebyshev recovers a polynomial continuum", func(t *testing.T) {
		t.Parallel()
		wave := testutil.Linspace(15000, 15099, 100)
		mid := 15049.5
		ds := curveDataset(t, wave, func(w float64) float64 {
			x := (w - mid) / 50
			return 2 + 0.3*x + 0.1*x*x
		})

		p := Params{Quantile: 0.9, Window: 50, Fraction: 0.07, Basis: Chebyshev, Order: 2}
		cont, err := Continua(ds, everyNth(100, 5), p)
		require.NoError(t, err)
		for j := 0; j < 100; j++ {
			assert.InDeltaf(t, ds.Flux.At(0, j), cont.At(0, j), 1e-9, "pixel %d", j)
		}
	})

	t.Run("sinusoid recovers a sinusoidal continuum", func(t *testing.T) {
		t.Parallel()
		wave := testutil.Linspace(15000, 15099, 100)
		lo, span := 15000.0, 99.0
		ds := curveDataset(t, wave, func(w float64) float64 {
			tt := (w - lo) / span
			return 1.5 + 0.2*math.Sin(math.Pi*tt) + 0.1*math.Cos(math.Pi*tt)
		})

		p := Params{Quantile: 0.9, Window: 50, Fraction: 0.07, Basis: Sinusoid, Order: 1}
		cont, err := Continua(ds, everyNth(100, 5), p)
		require.NoError(t, err)
		for j := 0; j < 100; j++ {
			assert.InDeltaf(t, ds.Flux.At(0, j), cont.At(0, j), 1e-9, "pixel %d", j)
		}
	})

	t.Run("underconstrained chunk fails fast", func(t *testing.T) {
		t.Parallel()
		wave := testutil.Linspace(15000, 15099, 100)
		ds := curveDataset(t, wave, func(w float64) float64 { return 1 })

		mask := make([]bool, 100)
		mask[10], mask[20] = true, true // 2 pixels for 4 chebyshev terms

		p := Params{Quantile: 0.9, Window: 50, Fraction: 0.07, Basis: Chebyshev, Order: 3}
		_, err := Continua(ds, mask, p)
		require.ErrorIs(t, err, ErrTooFewPixels)
		assert.ErrorContains(t, err, "object a")
	})

	t.Run("zero-ivar mask pixels do not count toward the fit", func(t *testing.T) {
		t.Parallel()
		wave := testutil.Linspace(15000, 15099, 100)
		ds := curveDataset(t, wave, func(w float64) float64 { return 1 })
		mask := everyNth(100, 10) // 10 pixels
		for j := 0; j < 100; j += 10 {
			if j >= 20 {
				ds.Ivar.Set(0, j, 0) // leaves 2 usable
			}
		}

		p := Params{Quantile: 0.9, Window: 50, Fraction: 0.07, Basis: Chebyshev, Order: 3}
		_, err := Continua(ds, mask, p)
		require.ErrorIs(t, err, ErrTooFewPixels)
	})

	t.Run("mask length must match the grid", func(t *testing.T) {
		t.Parallel()
		wave := testutil.Linspace(15000, 15009, 10)
		ds := curveDataset(t, wave, func(w float64) float64 { return 1 })
		_, err := Continua(ds, make([]bool, 5), DefaultParams())
		assert.ErrorContains(t, err, "mask length")
	})
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	wave := testutil.Linspace(15000, 15099, 100)
	ds := curveDataset(t, wave, func(w float64) float64 { return 2 })

	p := Params{Quantile: 0.9, Window: 50, Fraction: 0.07, Basis: Chebyshev, Order: 1}
	norm, err := Normalize(ds, everyNth(100, 4), p)
	require.NoError(t, err)
	for j := 0; j < 100; j++ {
		assert.InDeltaf(t, 1.0, norm.Flux.At(0, j), 1e-9, "flux pixel %d", j)
		assert.InDeltaf(t, 400.0, norm.Ivar.At(0, j), 1e-6, "ivar pixel %d", j)
	}
	// input dataset untouched
	assert.Equal(t, 2.0, ds.Flux.At(0, 0))
}

func TestNormalizeSets(t *testing.T) {
	t.Parallel()

	// Synthetic training set: smooth sinusoidal continuum with fixed deep
	// absorption lines, no noise.
	nObj, nPix := 6, 200
	wave := testutil.Linspace(15000, 15199, nPix)
	lo, span := 15000.0, 199.0
	isLine := func(j int) bool { return j%17 == 5 }
	flux := mat.NewDense(nObj, nPix, nil)
	ivar := mat.NewDense(nObj, nPix, nil)
	for i := 0; i < nObj; i++ {
		level := 1 + 0.1*float64(i)
		for j := 0; j < nPix; j++ {
			tt := (wave[j] - lo) / span
			c := level * (1 + 0.05*math.Sin(math.Pi*tt))
			f := c
			if isLine(j) {
				f *= 0.5
			}
			flux.Set(i, j, f)
			ivar.Set(i, j, 1e4)
		}
	}
	ids := make([]string, nObj)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	train, err := spectra.New(wave, ids, flux, ivar)
	require.NoError(t, err)

	p := Params{Quantile: 0.9, Window: 30, Fraction: 0.07, Basis: Sinusoid, Order: 2}
	normTrain, normTest, mask, err := NormalizeSets(train, train, p)
	require.NoError(t, err)
	assert.Same(t, normTrain, normTest, "test == train should normalize once")
	assert.Equal(t, 14, MaskCount(mask), "7%% of 200 pixels")

	// The defining property of continuum pixels: normalized flux there
	// averages to one across the training set.
	var sum float64
	var n int
	for j, selected := range mask {
		if !selected {
			continue
		}
		assert.Falsef(t, isLine(j), "absorption pixel %d selected as continuum", j)
		for i := 0; i < nObj; i++ {
			sum += normTrain.Flux.At(i, j)
			n++
		}
	}
	assert.InDelta(t, 1.0, sum/float64(n), 0.01)

	t.Run("pixel count mismatch fails", func(t *testing.T) {
		other := curveDataset(t, testutil.Linspace(15000, 15049, 50), func(float64) float64 { return 1 })
		_, _, _, err := NormalizeSets(train, other, p)
		assert.ErrorContains(t, err, "pixels")
	})
}
