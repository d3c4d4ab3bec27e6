package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/apogee-data/cannon/internal/monitoring"
	"github.com/apogee-data/cannon/spectra"
)

// ErrNotConverged marks a single object whose label fit did not converge
// within the iteration budget. It is recorded per object in Result, never
// returned for the batch.
var ErrNotConverged = errors.New("model: label fit did not converge")

// InferConfig configures label inference.
type InferConfig struct {
	// Workers bounds the per-object fit concurrency; zero means one per CPU.
	Workers int
	// MaxIterations caps the linearized least-squares iterations per object.
	// Zero means 50.
	MaxIterations int
	// StepTol declares convergence when the largest scaled-label step falls
	// below it. Zero means 1e-8.
	StepTol float64
}

// Result holds inferred labels for a survey set. Rows align with the
// dataset's object order.
type Result struct {
	LabelNames []string
	Labels     *mat.Dense      // objects × labels, in raw label units
	Covs       []*mat.SymDense // per-object label covariance; nil where the fit failed
	Chisq      []float64
	Converged  []bool
}

// NumFlagged returns the number of objects whose fit did not converge.
func (r *Result) NumFlagged() int {
	n := 0
	for _, ok := range r.Converged {
		if !ok {
			n++
		}
	}
	return n
}

// Infer solves for the labels of every spectrum in ds under the fitted
// model using Levenberg–Marquardt iterations on the per-pixel polynomial.
// Each object is independent and runs on a bounded worker pool.
//
// A non-converging or singular object is flagged in the Result and carries
// its best estimate; it never aborts the batch.
func Infer(ctx context.Context, m *Model, ds *spectra.Dataset, cfg InferConfig) (*Result, error) {
	if ds.NumPixels() != m.NumPixels() {
		return nil, fmt.Errorf("model: dataset has %d pixels, model has %d", ds.NumPixels(), m.NumPixels())
	}
	nObj := ds.NumObjects()
	nLab := len(m.LabelNames)

	res := &Result{
		LabelNames: append([]string(nil), m.LabelNames...),
		Labels:     mat.NewDense(nObj, nLab, nil),
		Covs:       make([]*mat.SymDense, nObj),
		Chisq:      make([]float64, nObj),
		Converged:  make([]bool, nObj),
	}

	maxIter := cfg.MaxIterations
	if maxIter == 0 {
		maxIter = 50
	}
	stepTol := cfg.StepTol
	if stepTol == 0 {
		stepTol = 1e-8
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			solver := newObjectSolver(m, maxIter, stepTol)
			for i := range jobs {
				labels, cov, chisq, err := solver.solve(ds.Flux.RawRowView(i), ds.Ivar.RawRowView(i))
				res.Labels.SetRow(i, labels)
				res.Covs[i] = cov
				res.Chisq[i] = chisq
				res.Converged[i] = err == nil
				if err != nil {
					monitoring.Logf("model: object %s flagged: %v", ds.IDs[i], err)
				}
			}
		}()
	}
	for i := 0; i < nObj; i++ {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil, ctx.Err()
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	if n := res.NumFlagged(); n > 0 {
		monitoring.Logf("model: %d of %d objects flagged as non-converged", n, nObj)
	}
	return res, nil
}

// objectSolver runs damped Gauss–Newton for one object at a time, reusing
// its buffers across objects within a worker.
type objectSolver struct {
	m       *Model
	maxIter int
	stepTol float64

	terms    []float64  // numTerms
	termsJac *mat.Dense // numTerms × nLab
	jac      *mat.Dense // nPix × nLab
	w        []float64  // per-pixel weights
	resid    []float64  // per-pixel residuals
}

func newObjectSolver(m *Model, maxIter int, stepTol float64) *objectSolver {
	nLab := len(m.LabelNames)
	return &objectSolver{
		m:        m,
		maxIter:  maxIter,
		stepTol:  stepTol,
		terms:    make([]float64, m.NumTerms()),
		termsJac: mat.NewDense(m.NumTerms(), nLab, nil),
		jac:      mat.NewDense(m.NumPixels(), nLab, nil),
		w:        make([]float64, m.NumPixels()),
		resid:    make([]float64, m.NumPixels()),
	}
}

// weightsFor combines observational inverse variance with the model's
// per-pixel intrinsic scatter. Masked pixels keep zero weight.
func (s *objectSolver) weightsFor(ivar []float64) {
	for j, v := range ivar {
		if v > 0 {
			sc := s.m.Scatter[j]
			s.w[j] = 1 / (1/v + sc*sc)
		} else {
			s.w[j] = 0
		}
	}
}

// eval fills residuals and the flux Jacobian at the scaled label point x and
// returns the weighted chi-squared.
func (s *objectSolver) eval(x, flux []float64, withJac bool) float64 {
	m := s.m
	vectorize(s.terms, x, m.Order)
	if withJac {
		vectorizeJac(s.termsJac, x, m.Order)
		// flux Jacobian = coefficient matrix × term Jacobian
		s.jac.Mul(m.Coeffs, s.termsJac)
	}
	var chisq float64
	for j := 0; j < m.NumPixels(); j++ {
		row := m.Coeffs.RawRowView(j)
		var pred float64
		for k, c := range row {
			pred += c * s.terms[k]
		}
		s.resid[j] = flux[j] - pred
		chisq += s.w[j] * s.resid[j] * s.resid[j]
	}
	return chisq
}

// normalEquations accumulates JᵀWJ and JᵀWr at the current residuals.
func (s *objectSolver) normalEquations(jtj *mat.SymDense, jtr []float64) {
	nLab := len(jtr)
	for a := 0; a < nLab; a++ {
		jtr[a] = 0
		for b := a; b < nLab; b++ {
			jtj.SetSym(a, b, 0)
		}
	}
	for j := 0; j < s.m.NumPixels(); j++ {
		wj := s.w[j]
		if wj == 0 {
			continue
		}
		for a := 0; a < nLab; a++ {
			ja := s.jac.At(j, a)
			jtr[a] += wj * ja * s.resid[j]
			for b := a; b < nLab; b++ {
				jtj.SetSym(a, b, jtj.At(a, b)+wj*ja*s.jac.At(j, b))
			}
		}
	}
}

func (s *objectSolver) solve(flux, ivar []float64) (labels []float64, cov *mat.SymDense, chisq float64, err error) {
	m := s.m
	nLab := len(m.LabelNames)
	s.weightsFor(ivar)

	x := make([]float64, nLab) // scaled labels; zero = label pivots
	chisq = s.eval(x, flux, true)

	jtj := mat.NewSymDense(nLab, nil)
	damped := mat.NewDense(nLab, nLab, nil)
	jtr := make([]float64, nLab)
	step := mat.NewVecDense(nLab, nil)

	lambda := 1e-3
	converged := false
	for iter := 0; iter < s.maxIter && !converged; iter++ {
		s.normalEquations(jtj, jtr)

		// Levenberg damping on the normal equations diagonal.
		accepted := false
		for try := 0; try < 12; try++ {
			for a := 0; a < nLab; a++ {
				for b := 0; b < nLab; b++ {
					v := jtj.At(a, b)
					if a == b {
						v *= 1 + lambda
					}
					damped.Set(a, b, v)
				}
			}
			if err := step.SolveVec(damped, mat.NewVecDense(nLab, jtr)); err != nil {
				lambda *= 10
				continue
			}
			trial := make([]float64, nLab)
			maxStep := 0.0
			for a := 0; a < nLab; a++ {
				trial[a] = x[a] + step.AtVec(a)
				if d := math.Abs(step.AtVec(a)); d > maxStep {
					maxStep = d
				}
			}
			trialChisq := s.eval(trial, flux, false)
			if trialChisq <= chisq {
				copy(x, trial)
				accepted = true
				converged = maxStep < s.stepTol || chisq-trialChisq < 1e-12*(1+chisq)
				chisq = trialChisq
				lambda = math.Max(lambda*0.3, 1e-12)
				break
			}
			lambda *= 10
		}
		// Recompute the Jacobian at the accepted point for the next
		// iteration and for the final covariance.
		chisq = s.eval(x, flux, true)
		if !accepted {
			// Damping exhausted without improvement; treat the current
			// point as stationary.
			converged = true
		}
	}

	labels = make([]float64, nLab)
	for a := 0; a < nLab; a++ {
		labels[a] = m.Pivots[a] + m.Scales[a]*x[a]
	}
	if !converged {
		return labels, nil, chisq, fmt.Errorf("%w after %d iterations", ErrNotConverged, s.maxIter)
	}

	// Covariance from the undamped curvature, mapped back to raw units.
	s.normalEquations(jtj, jtr)
	var inv mat.Dense
	if err := inv.Inverse(jtj); err != nil {
		return labels, nil, chisq, fmt.Errorf("model: singular curvature at solution: %w", err)
	}
	cov = mat.NewSymDense(nLab, nil)
	for a := 0; a < nLab; a++ {
		for b := a; b < nLab; b++ {
			cov.SetSym(a, b, inv.At(a, b)*m.Scales[a]*m.Scales[b])
		}
	}
	return labels, cov, chisq, nil
}
