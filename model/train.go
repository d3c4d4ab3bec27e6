package model

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/apogee-data/cannon/internal/monitoring"
	"github.com/apogee-data/cannon/spectra"
)

// Model is a fitted per-pixel polynomial spectral model. It is immutable
// after Train returns.
type Model struct {
	Order      int
	LabelNames []string

	// Pivots and Scales condition the label space: fits run on
	// (label - pivot) / scale per label.
	Pivots []float64
	Scales []float64

	Wavelength []float64
	Coeffs     *mat.Dense // pixels × terms
	Scatter    []float64  // per-pixel intrinsic scatter
	Chisq      []float64  // per-pixel training chi-squared

	// BadPixels counts pixels whose fit was underconstrained and whose
	// coefficients were zeroed.
	BadPixels int
}

// NumTerms returns the number of polynomial terms per pixel.
func (m *Model) NumTerms() int {
	_, c := m.Coeffs.Dims()
	return c
}

// NumPixels returns the number of modeled pixels.
func (m *Model) NumPixels() int {
	r, _ := m.Coeffs.Dims()
	return r
}

// scale maps raw labels into the conditioned fit space.
func (m *Model) scale(labels, dst []float64) {
	for i := range labels {
		dst[i] = (labels[i] - m.Pivots[i]) / m.Scales[i]
	}
}

// Predict evaluates the model spectrum for one raw label vector.
func (m *Model) Predict(labels []float64) ([]float64, error) {
	if len(labels) != len(m.LabelNames) {
		return nil, fmt.Errorf("model: %d labels given, model has %d", len(labels), len(m.LabelNames))
	}
	x := make([]float64, len(labels))
	m.scale(labels, x)
	terms := make([]float64, m.NumTerms())
	vectorize(terms, x, m.Order)

	flux := make([]float64, m.NumPixels())
	for j := range flux {
		row := m.Coeffs.RawRowView(j)
		var v float64
		for k, c := range row {
			v += c * terms[k]
		}
		flux[j] = v
	}
	return flux, nil
}

// TrainConfig configures model fitting.
type TrainConfig struct {
	// Order is the polynomial order in the labels; 1 (linear) or 2
	// (quadratic, the default).
	Order int
	// Workers bounds the per-pixel fit concurrency; zero means one per CPU.
	Workers int
	// ScatterGrid lists candidate intrinsic scatters tried per pixel; the
	// one maximizing the pixel likelihood wins. Empty means a default
	// geometric grid from 1e-4 to 0.3 plus zero.
	ScatterGrid []float64
}

func defaultScatterGrid() []float64 {
	grid := []float64{0}
	for s := 1e-4; s <= 0.3; s *= 1.7 {
		grid = append(grid, s)
	}
	return grid
}

// Train fits the per-pixel polynomial model to a continuum-normalized,
// labeled training set. Pixel fits are independent and run on a bounded
// worker pool; the context cancels the batch between pixels.
func Train(ctx context.Context, ds *spectra.Dataset, cfg TrainConfig) (*Model, error) {
	if ds.Labels == nil {
		return nil, fmt.Errorf("model: training set has no labels")
	}
	order := cfg.Order
	if order == 0 {
		order = 2
	}
	if order < 1 || order > 2 {
		return nil, fmt.Errorf("model: order must be 1 or 2, got %d", order)
	}
	nObj, nPix := ds.NumObjects(), ds.NumPixels()
	nLab := ds.NumLabels()
	nTerm := numTerms(nLab, order)
	if nObj < nTerm {
		return nil, fmt.Errorf("model: %d training objects cannot constrain %d terms", nObj, nTerm)
	}

	m := &Model{
		Order:      order,
		LabelNames: append([]string(nil), ds.LabelNames...),
		Pivots:     make([]float64, nLab),
		Scales:     make([]float64, nLab),
		Wavelength: ds.Wavelength,
		Coeffs:     mat.NewDense(nPix, nTerm, nil),
		Scatter:    make([]float64, nPix),
		Chisq:      make([]float64, nPix),
	}
	col := make([]float64, nObj)
	for j := 0; j < nLab; j++ {
		mat.Col(col, j, ds.Labels)
		m.Pivots[j] = stat.Mean(col, nil)
		m.Scales[j] = stat.StdDev(col, nil)
		if m.Scales[j] == 0 {
			m.Scales[j] = 1
		}
	}

	// Design matrix over the scaled training labels, shared by every pixel.
	design := mat.NewDense(nObj, nTerm, nil)
	x := make([]float64, nLab)
	for i := 0; i < nObj; i++ {
		m.scale(ds.Labels.RawRowView(i), x)
		vectorize(design.RawRowView(i), x, order)
	}

	grid := cfg.ScatterGrid
	if len(grid) == 0 {
		grid = defaultScatterGrid()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	var badMu sync.Mutex
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fit := newPixelFitter(design, grid)
			for j := range jobs {
				y := make([]float64, nObj)
				ivar := make([]float64, nObj)
				mat.Col(y, j, ds.Flux)
				mat.Col(ivar, j, ds.Ivar)
				coeffs, scatter, chisq, ok := fit.fit(y, ivar)
				if !ok {
					badMu.Lock()
					m.BadPixels++
					badMu.Unlock()
					continue // coefficients stay zero
				}
				m.Coeffs.SetRow(j, coeffs)
				m.Scatter[j] = scatter
				m.Chisq[j] = chisq
			}
		}()
	}

	for j := 0; j < nPix; j++ {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil, ctx.Err()
		case jobs <- j:
		}
	}
	close(jobs)
	wg.Wait()

	if m.BadPixels > 0 {
		monitoring.Logf("model: zeroed %d underconstrained pixels of %d", m.BadPixels, nPix)
	}
	return m, nil
}

// pixelFitter solves one pixel's weighted least squares across the training
// set for each candidate scatter, keeping the scatter that maximizes the
// pixel's Gaussian likelihood. Buffers are reused across pixels within a
// worker.
type pixelFitter struct {
	design *mat.Dense
	grid   []float64

	a *mat.Dense
	b *mat.VecDense
	w []float64
}

func newPixelFitter(design *mat.Dense, grid []float64) *pixelFitter {
	nObj, nTerm := design.Dims()
	return &pixelFitter{
		design: design,
		grid:   grid,
		a:      mat.NewDense(nObj, nTerm, nil),
		b:      mat.NewVecDense(nObj, nil),
		w:      make([]float64, nObj),
	}
}

// fit returns (coeffs, scatter, chisq, ok); ok is false when fewer objects
// than terms contribute weight at this pixel.
func (pf *pixelFitter) fit(y, ivar []float64) ([]float64, float64, float64, bool) {
	nObj, nTerm := pf.design.Dims()

	bestNLL := math.Inf(1)
	var bestCoeffs []float64
	var bestScatter, bestChisq float64

	for _, s := range pf.grid {
		usable := 0
		for i := 0; i < nObj; i++ {
			if ivar[i] > 0 {
				pf.w[i] = 1 / (1/ivar[i] + s*s)
				usable++
			} else {
				pf.w[i] = 0
			}
		}
		if usable < nTerm {
			return nil, 0, 0, false
		}

		for i := 0; i < nObj; i++ {
			sw := math.Sqrt(pf.w[i])
			row := pf.design.RawRowView(i)
			for c := 0; c < nTerm; c++ {
				pf.a.Set(i, c, sw*row[c])
			}
			pf.b.SetVec(i, sw*y[i])
		}
		var coef mat.VecDense
		if err := coef.SolveVec(pf.a, pf.b); err != nil {
			continue
		}

		// Negative log likelihood up to a constant: chi2/2 - sum(ln w)/2.
		var chisq, lnw float64
		for i := 0; i < nObj; i++ {
			if pf.w[i] == 0 {
				continue
			}
			row := pf.design.RawRowView(i)
			var pred float64
			for c := 0; c < nTerm; c++ {
				pred += coef.AtVec(c) * row[c]
			}
			r := y[i] - pred
			chisq += pf.w[i] * r * r
			lnw += math.Log(pf.w[i])
		}
		nll := 0.5*chisq - 0.5*lnw
		if nll < bestNLL {
			bestNLL = nll
			bestCoeffs = append(bestCoeffs[:0], coef.RawVector().Data...)
			bestScatter = s
			bestChisq = chisq
		}
	}
	if bestCoeffs == nil {
		return nil, 0, 0, false
	}
	return bestCoeffs, bestScatter, bestChisq, true
}
