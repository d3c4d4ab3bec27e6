package continuum

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/apogee-data/cannon/internal/monitoring"
	"github.com/apogee-data/cannon/spectra"
)

// ErrTooFewPixels reports a chunk whose continuum-pixel count cannot
// constrain the requested basis order. The fit fails fast rather than
// returning an ill-conditioned continuum.
var ErrTooFewPixels = errors.New("continuum: too few continuum pixels to constrain fit")

// basisRow evaluates the basis functions at wavelength w for a chunk
// spanning [lo, hi] and writes them into row.
func basisRow(row []float64, w, lo, hi float64, basis Basis, order int) {
	span := hi - lo
	if span == 0 {
		span = 1
	}
	switch basis {
	case Chebyshev:
		// First-kind Chebyshev recurrence on w rescaled to [-1, 1].
		x := 2*(w-lo)/span - 1
		row[0] = 1
		if order >= 1 {
			row[1] = x
		}
		for k := 2; k <= order; k++ {
			row[k] = 2*x*row[k-1] - row[k-2]
		}
	default:
		// Constant plus sin/cos pairs on w rescaled to [0, 1].
		t := (w - lo) / span
		row[0] = 1
		for k := 1; k <= order; k++ {
			row[2*k-1] = math.Sin(float64(k) * math.Pi * t)
			row[2*k] = math.Cos(float64(k) * math.Pi * t)
		}
	}
}

// fitChunk fits the basis through one spectrum's continuum pixels inside one
// chunk and returns the continuum evaluated at every chunk pixel.
func fitChunk(wave, flux, ivar []float64, chunk spectra.Range, mask []bool, p Params) ([]float64, error) {
	nTerm := p.Basis.terms(p.Order)
	lo, hi := wave[chunk.Lo], wave[chunk.Hi-1]

	var rows []int
	for j := chunk.Lo; j < chunk.Hi; j++ {
		if mask[j] && ivar[j] > 0 {
			rows = append(rows, j)
		}
	}
	if len(rows) < nTerm {
		return nil, fmt.Errorf("%w: chunk [%d, %d) has %d usable pixels for %d coefficients",
			ErrTooFewPixels, chunk.Lo, chunk.Hi, len(rows), nTerm)
	}

	// Weighted least squares: scale each design row and observation by
	// sqrt(ivar) and solve the tall system by QR.
	a := mat.NewDense(len(rows), nTerm, nil)
	b := mat.NewVecDense(len(rows), nil)
	row := make([]float64, nTerm)
	for r, j := range rows {
		basisRow(row, wave[j], lo, hi, p.Basis, p.Order)
		s := math.Sqrt(ivar[j])
		for c, v := range row {
			a.Set(r, c, s*v)
		}
		b.SetVec(r, s*flux[j])
	}
	var coef mat.VecDense
	if err := coef.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("continuum: chunk [%d, %d) fit failed: %w", chunk.Lo, chunk.Hi, err)
	}

	cont := make([]float64, chunk.Hi-chunk.Lo)
	for j := chunk.Lo; j < chunk.Hi; j++ {
		basisRow(row, wave[j], lo, hi, p.Basis, p.Order)
		var v float64
		for c, bv := range row {
			v += coef.AtVec(c) * bv
		}
		cont[j-chunk.Lo] = v
	}
	return cont, nil
}

// Continua fits a continuum curve per spectrum through the masked pixels,
// chunk by chunk, and returns the curves as an (objects × pixels) matrix.
func Continua(ds *spectra.Dataset, mask []bool, p Params) (*mat.Dense, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(mask) != ds.NumPixels() {
		return nil, fmt.Errorf("continuum: mask length %d for %d pixels", len(mask), ds.NumPixels())
	}
	nObj, nPix := ds.NumObjects(), ds.NumPixels()
	out := mat.NewDense(nObj, nPix, nil)
	for i := 0; i < nObj; i++ {
		fluxRow := ds.Flux.RawRowView(i)
		ivarRow := ds.Ivar.RawRowView(i)
		for _, chunk := range ds.Chunks() {
			cont, err := fitChunk(ds.Wavelength, fluxRow, ivarRow, chunk, mask, p)
			if err != nil {
				return nil, fmt.Errorf("object %s: %w", ds.IDs[i], err)
			}
			for j := chunk.Lo; j < chunk.Hi; j++ {
				out.Set(i, j, cont[j-chunk.Lo])
			}
		}
	}
	return out, nil
}

// Normalize divides each spectrum by its fitted continuum and scales the
// inverse variance accordingly, returning a new Dataset. Pixels where the
// fitted continuum is not positive are masked in the output (ivar zero)
// rather than propagating a sign flip or a division blowup.
func Normalize(ds *spectra.Dataset, mask []bool, p Params) (*spectra.Dataset, error) {
	cont, err := Continua(ds, mask, p)
	if err != nil {
		return nil, err
	}
	nObj, nPix := ds.NumObjects(), ds.NumPixels()
	flux := mat.NewDense(nObj, nPix, nil)
	ivar := mat.NewDense(nObj, nPix, nil)
	dropped := 0
	for i := 0; i < nObj; i++ {
		for j := 0; j < nPix; j++ {
			c := cont.At(i, j)
			if c <= 0 {
				dropped++
				continue // flux and ivar stay zero
			}
			flux.Set(i, j, ds.Flux.At(i, j)/c)
			ivar.Set(i, j, ds.Ivar.At(i, j)*c*c)
		}
	}
	if dropped > 0 {
		monitoring.Logf("continuum: masked %d pixels with non-positive fitted continuum", dropped)
	}
	return ds.WithSpectra(flux, ivar)
}
