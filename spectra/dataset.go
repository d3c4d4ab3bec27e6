// Package spectra holds collections of stellar spectra and their reference
// labels, and loads them from disk.
//
// A Dataset is a value: pipeline stages that change the flux or inverse
// variance (continuum normalization in particular) return a new Dataset
// rather than mutating arrays in place, so intermediate stages remain
// inspectable.
package spectra

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Range is a contiguous pixel interval [Lo, Hi) treated as an independent
// chunk during continuum estimation.
type Range struct {
	Lo, Hi int
}

// Dataset is an aligned collection of spectra over a shared wavelength grid,
// optionally carrying reference labels.
//
// Flux and Ivar are (objects × pixels). An inverse variance of zero marks a
// bad or masked pixel. Labels is (objects × labels) and is nil for survey
// sets whose labels have not been inferred yet.
type Dataset struct {
	Wavelength []float64
	IDs        []string
	Flux       *mat.Dense
	Ivar       *mat.Dense
	SNR        []float64

	Labels        *mat.Dense
	LabelNames    []string
	LabelNamesTeX []string // optional display-only names

	Ranges []Range // empty means the whole grid is one chunk
}

// New builds a Dataset from raw arrays, validating that flux and inverse
// variance agree in shape with each other and with the wavelength grid.
// Per-object SNRs are computed on construction.
func New(wavelength []float64, ids []string, flux, ivar *mat.Dense) (*Dataset, error) {
	nObj, nPix := flux.Dims()
	if r, c := ivar.Dims(); r != nObj || c != nPix {
		return nil, fmt.Errorf("spectra: ivar shape (%d×%d) does not match flux shape (%d×%d)", r, c, nObj, nPix)
	}
	if len(wavelength) != nPix {
		return nil, fmt.Errorf("spectra: wavelength grid has %d pixels, flux has %d", len(wavelength), nPix)
	}
	if len(ids) != nObj {
		return nil, fmt.Errorf("spectra: %d object IDs for %d spectra", len(ids), nObj)
	}
	if !sort.Float64sAreSorted(wavelength) {
		return nil, fmt.Errorf("spectra: wavelength grid is not ascending")
	}

	ds := &Dataset{
		Wavelength: wavelength,
		IDs:        ids,
		Flux:       flux,
		Ivar:       ivar,
	}
	ds.SNR = make([]float64, nObj)
	for i := 0; i < nObj; i++ {
		ds.SNR[i] = snr(flux.RawRowView(i), ivar.RawRowView(i))
	}
	return ds, nil
}

// snr is the median of flux·sqrt(ivar) over unmasked pixels, the formal
// per-pixel signal-to-noise. Zero if every pixel is masked.
func snr(flux, ivar []float64) float64 {
	vals := make([]float64, 0, len(flux))
	for i, w := range ivar {
		if w > 0 {
			vals = append(vals, flux[i]*math.Sqrt(w))
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return 0.5 * (vals[n/2-1] + vals[n/2])
}

// NumObjects returns the number of spectra.
func (d *Dataset) NumObjects() int {
	r, _ := d.Flux.Dims()
	return r
}

// NumPixels returns the number of pixels in the shared wavelength grid.
func (d *Dataset) NumPixels() int {
	_, c := d.Flux.Dims()
	return c
}

// NumLabels returns the number of reference labels, zero if unlabeled.
func (d *Dataset) NumLabels() int {
	if d.Labels == nil {
		return 0
	}
	_, c := d.Labels.Dims()
	return c
}

// SetLabels attaches a reference label table. Rows must align with the
// dataset's object order.
func (d *Dataset) SetLabels(names []string, vals *mat.Dense) error {
	r, c := vals.Dims()
	if r != d.NumObjects() {
		return fmt.Errorf("spectra: label table has %d rows for %d objects", r, d.NumObjects())
	}
	if len(names) != c {
		return fmt.Errorf("spectra: %d label names for %d label columns", len(names), c)
	}
	d.Labels = vals
	d.LabelNames = names
	return nil
}

// SetLabelNamesTeX attaches optional TeX display names for plotting. They
// never participate in the numerical pipeline.
func (d *Dataset) SetLabelNamesTeX(names []string) error {
	if len(names) != len(d.LabelNames) {
		return fmt.Errorf("spectra: %d TeX names for %d labels", len(names), len(d.LabelNames))
	}
	d.LabelNamesTeX = names
	return nil
}

// PlotNames returns the display names for the labels: the TeX names when
// set, the plain label names otherwise.
func (d *Dataset) PlotNames() []string {
	if d.LabelNamesTeX != nil {
		return d.LabelNamesTeX
	}
	return d.LabelNames
}

// SetRanges declares wavelength chunk boundaries as pixel intervals.
// Ranges must be in order, non-overlapping, and within the grid.
func (d *Dataset) SetRanges(ranges []Range) error {
	prev := 0
	for i, r := range ranges {
		if r.Lo < prev || r.Hi <= r.Lo || r.Hi > d.NumPixels() {
			return fmt.Errorf("spectra: range %d [%d, %d) invalid for %d pixels", i, r.Lo, r.Hi, d.NumPixels())
		}
		prev = r.Hi
	}
	d.Ranges = ranges
	return nil
}

// RangesFromWavelengths converts [lo, hi) wavelength bounds in Angstroms to
// pixel ranges on the dataset's grid. Bounds that select no pixels are an
// error.
func (d *Dataset) RangesFromWavelengths(bounds [][2]float64) ([]Range, error) {
	ranges := make([]Range, 0, len(bounds))
	for i, b := range bounds {
		lo := sort.SearchFloat64s(d.Wavelength, b[0])
		hi := sort.SearchFloat64s(d.Wavelength, b[1])
		if hi <= lo {
			return nil, fmt.Errorf("spectra: wavelength range %d [%g, %g) selects no pixels", i, b[0], b[1])
		}
		ranges = append(ranges, Range{Lo: lo, Hi: hi})
	}
	return ranges, nil
}

// Chunks returns the declared ranges, or a single whole-grid range when
// none are declared. Continuum code iterates over this.
func (d *Dataset) Chunks() []Range {
	if len(d.Ranges) > 0 {
		return d.Ranges
	}
	return []Range{{Lo: 0, Hi: d.NumPixels()}}
}

// ChooseObjects returns a new Dataset keeping only objects where keep is
// true. Labels, IDs and SNRs are subset alongside the spectra.
func (d *Dataset) ChooseObjects(keep []bool) (*Dataset, error) {
	if len(keep) != d.NumObjects() {
		return nil, fmt.Errorf("spectra: mask length %d for %d objects", len(keep), d.NumObjects())
	}
	var rows []int
	for i, k := range keep {
		if k {
			rows = append(rows, i)
		}
	}
	nPix := d.NumPixels()
	flux := mat.NewDense(len(rows), nPix, nil)
	ivar := mat.NewDense(len(rows), nPix, nil)
	ids := make([]string, len(rows))
	for out, in := range rows {
		flux.SetRow(out, d.Flux.RawRowView(in))
		ivar.SetRow(out, d.Ivar.RawRowView(in))
		ids[out] = d.IDs[in]
	}
	sub, err := New(d.Wavelength, ids, flux, ivar)
	if err != nil {
		return nil, err
	}
	sub.Ranges = d.Ranges
	sub.LabelNamesTeX = d.LabelNamesTeX
	if d.Labels != nil {
		nLab := d.NumLabels()
		labels := mat.NewDense(len(rows), nLab, nil)
		for out, in := range rows {
			labels.SetRow(out, d.Labels.RawRowView(in))
		}
		if err := sub.SetLabels(d.LabelNames, labels); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// ChooseLabels returns a new Dataset keeping only the named label columns,
// in the order given. Spectra are shared, not copied.
func (d *Dataset) ChooseLabels(names []string) (*Dataset, error) {
	if d.Labels == nil {
		return nil, fmt.Errorf("spectra: dataset has no labels")
	}
	cols := make([]int, len(names))
	for i, name := range names {
		cols[i] = -1
		for j, have := range d.LabelNames {
			if have == name {
				cols[i] = j
				break
			}
		}
		if cols[i] < 0 {
			return nil, fmt.Errorf("spectra: label %q not found", name)
		}
	}
	nObj := d.NumObjects()
	labels := mat.NewDense(nObj, len(cols), nil)
	for i := 0; i < nObj; i++ {
		for out, in := range cols {
			labels.Set(i, out, d.Labels.At(i, in))
		}
	}
	sub := *d
	sub.Labels = labels
	sub.LabelNames = names
	sub.LabelNamesTeX = nil
	if d.LabelNamesTeX != nil {
		tex := make([]string, len(cols))
		for out, in := range cols {
			tex[out] = d.LabelNamesTeX[in]
		}
		sub.LabelNamesTeX = tex
	}
	return &sub, nil
}

// WithSpectra returns a copy of the Dataset carrying replacement flux and
// inverse-variance arrays (for example after continuum division), with SNRs
// recomputed. Labels and ranges carry over.
func (d *Dataset) WithSpectra(flux, ivar *mat.Dense) (*Dataset, error) {
	out, err := New(d.Wavelength, d.IDs, flux, ivar)
	if err != nil {
		return nil, err
	}
	out.Labels = d.Labels
	out.LabelNames = d.LabelNames
	out.LabelNamesTeX = d.LabelNamesTeX
	out.Ranges = d.Ranges
	return out, nil
}
