package continuum

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/apogee-data/cannon/spectra"
)

// RunningQuantile estimates a pseudo-continuum for one spectrum: at each
// pixel it takes the q-quantile of flux over the pixels within a window of
// the given width (in the wavelength units of the grid), skipping pixels
// with zero inverse variance.
//
// A window containing no usable pixels falls back to the spectrum-global
// quantile over usable pixels. A spectrum with no usable pixels at all, or
// a non-positive quantile estimate, is an error.
func RunningQuantile(wave, flux, ivar []float64, q, window float64) ([]float64, error) {
	n := len(wave)
	if len(flux) != n || len(ivar) != n {
		return nil, fmt.Errorf("continuum: flux/ivar length does not match %d-pixel grid", n)
	}

	global := make([]float64, 0, n)
	for i, w := range ivar {
		if w > 0 {
			global = append(global, flux[i])
		}
	}
	if len(global) == 0 {
		return nil, fmt.Errorf("continuum: spectrum has no unmasked pixels")
	}
	sort.Float64s(global)
	globalQ := stat.Quantile(q, stat.Empirical, global, nil)
	if globalQ <= 0 {
		return nil, fmt.Errorf("continuum: non-positive global quantile %v", globalQ)
	}

	cont := make([]float64, n)
	half := window / 2
	lo, hi := 0, 0 // window bounds [lo, hi) tracked over the ascending grid
	vals := make([]float64, 0, 64)
	for i := 0; i < n; i++ {
		for lo < n && wave[lo] < wave[i]-half {
			lo++
		}
		if hi < lo {
			hi = lo
		}
		for hi < n && wave[hi] <= wave[i]+half {
			hi++
		}

		vals = vals[:0]
		for j := lo; j < hi; j++ {
			if ivar[j] > 0 {
				vals = append(vals, flux[j])
			}
		}
		if len(vals) == 0 {
			cont[i] = globalQ
			continue
		}
		sort.Float64s(vals)
		c := stat.Quantile(q, stat.Empirical, vals, nil)
		if c <= 0 {
			c = globalQ
		}
		cont[i] = c
	}
	return cont, nil
}

// PseudoNormalize divides each spectrum of the dataset by its running-quantile
// pseudo-continuum and returns the result as a new Dataset. The output is
// meant only for continuum-pixel identification, not as the final
// normalization.
func PseudoNormalize(ds *spectra.Dataset, p Params) (*spectra.Dataset, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	nObj, nPix := ds.NumObjects(), ds.NumPixels()
	flux := mat.NewDense(nObj, nPix, nil)
	ivar := mat.NewDense(nObj, nPix, nil)
	for i := 0; i < nObj; i++ {
		f := ds.Flux.RawRowView(i)
		w := ds.Ivar.RawRowView(i)
		cont, err := RunningQuantile(ds.Wavelength, f, w, p.Quantile, p.Window)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", ds.IDs[i], err)
		}
		for j := 0; j < nPix; j++ {
			flux.Set(i, j, f[j]/cont[j])
			ivar.Set(i, j, w[j]*cont[j]*cont[j])
		}
	}
	return ds.WithSpectra(flux, ivar)
}
