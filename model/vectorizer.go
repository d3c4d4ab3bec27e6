// Package model fits a data-driven polynomial spectral model to a labeled
// training set and infers labels for survey spectra from it.
//
// The model treats each pixel independently: observed flux at a pixel is a
// polynomial in the stellar labels, fitted across the training set by
// inverse-variance-weighted least squares with a per-pixel intrinsic
// scatter. Inference inverts the fitted model per object with damped,
// iteratively linearized least squares.
package model

import "gonum.org/v1/gonum/mat"

// numTerms returns the length of the polynomial term vector for nLabels
// labels at the given order: a constant, the linear terms, and (for order 2)
// the upper-triangular quadratic cross terms.
func numTerms(nLabels, order int) int {
	n := 1 + nLabels
	if order >= 2 {
		n += nLabels * (nLabels + 1) / 2
	}
	return n
}

// vectorize writes the polynomial terms of the scaled label vector x into
// dst, which must have length numTerms(len(x), order).
func vectorize(dst, x []float64, order int) {
	dst[0] = 1
	copy(dst[1:], x)
	if order < 2 {
		return
	}
	k := 1 + len(x)
	for i := 0; i < len(x); i++ {
		for j := i; j < len(x); j++ {
			dst[k] = x[i] * x[j]
			k++
		}
	}
}

// vectorizeJac writes the derivative of each polynomial term with respect to
// each scaled label into jac, a numTerms × len(x) matrix.
func vectorizeJac(jac *mat.Dense, x []float64, order int) {
	jac.Zero()
	for i := range x {
		jac.Set(1+i, i, 1)
	}
	if order < 2 {
		return
	}
	k := 1 + len(x)
	for i := 0; i < len(x); i++ {
		for j := i; j < len(x); j++ {
			// d(x_i x_j)/dx_i and /dx_j; doubled on the diagonal
			jac.Set(k, i, jac.At(k, i)+x[j])
			jac.Set(k, j, jac.At(k, j)+x[i])
			k++
		}
	}
}

// TermNames returns human-readable names for the polynomial terms, for
// coefficient diagnostics and persistence.
func TermNames(labels []string, order int) []string {
	names := make([]string, 0, numTerms(len(labels), order))
	names = append(names, "1")
	names = append(names, labels...)
	if order >= 2 {
		for i := 0; i < len(labels); i++ {
			for j := i; j < len(labels); j++ {
				names = append(names, labels[i]+"*"+labels[j])
			}
		}
	}
	return names
}
