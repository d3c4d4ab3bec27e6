// Package continuum normalizes stellar spectra.
//
// Normalization runs in three passes over a training set: a running-quantile
// pseudo-continuum identifies candidate continuum pixels, a mask builder
// selects a target fraction of them per wavelength chunk, and a parametric
// fit (sinusoid or Chebyshev basis) through the masked pixels produces the
// final continuum that is divided out of every spectrum.
package continuum

import "fmt"

// Basis selects the parametric continuum family.
type Basis int

const (
	// Sinusoid fits a constant plus sin/cos pairs up to the configured order.
	Sinusoid Basis = iota
	// Chebyshev fits Chebyshev polynomials of the first kind up to the
	// configured order.
	Chebyshev
)

// String returns the config-file name of the basis.
func (b Basis) String() string {
	switch b {
	case Sinusoid:
		return "sinusoid"
	case Chebyshev:
		return "chebyshev"
	}
	return fmt.Sprintf("Basis(%d)", int(b))
}

// ParseBasis maps a config-file basis name to a Basis.
func ParseBasis(s string) (Basis, error) {
	switch s {
	case "sinusoid":
		return Sinusoid, nil
	case "chebyshev":
		return Chebyshev, nil
	}
	return 0, fmt.Errorf("unknown continuum basis %q", s)
}

// terms returns the number of fit coefficients for the basis at the given
// order.
func (b Basis) terms(order int) int {
	if b == Sinusoid {
		return 2*order + 1
	}
	return order + 1
}

// Params holds the continuum-normalization configuration.
type Params struct {
	Quantile float64 // running-quantile level for the pseudo-continuum
	Window   float64 // sliding-window width in Angstroms
	Fraction float64 // target fraction of pixels selected as continuum
	Basis    Basis
	Order    int
}

// DefaultParams returns the APOGEE-oriented defaults: 90th-percentile
// pseudo-continuum over 50 Å windows, a 7% continuum-pixel fraction, and an
// order-3 sinusoid fit.
func DefaultParams() Params {
	return Params{
		Quantile: 0.90,
		Window:   50,
		Fraction: 0.07,
		Basis:    Sinusoid,
		Order:    3,
	}
}

// Validate rejects parameter combinations that cannot produce a fit.
func (p Params) Validate() error {
	if p.Quantile <= 0 || p.Quantile >= 1 {
		return fmt.Errorf("continuum: quantile must be in (0, 1), got %v", p.Quantile)
	}
	if p.Window <= 0 {
		return fmt.Errorf("continuum: window must be positive, got %v", p.Window)
	}
	if p.Fraction <= 0 || p.Fraction >= 1 {
		return fmt.Errorf("continuum: fraction must be in (0, 1), got %v", p.Fraction)
	}
	if p.Order < 1 {
		return fmt.Errorf("continuum: order must be >= 1, got %d", p.Order)
	}
	return nil
}
