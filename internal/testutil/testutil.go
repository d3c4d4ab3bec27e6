// Package testutil provides shared test fixtures for the pipeline packages.
//
// It centralises synthetic spectrum generation and the on-disk CSV fixtures
// used by loader and CLI tests. It deliberately depends only on the standard
// library so every package can use it.
package testutil

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Linspace returns n evenly spaced values from lo to hi inclusive.
func Linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// WriteSpectrumCSV writes one per-object spectrum file (<id>.csv) under dir
// in the loader's wavelength,flux,ivar format.
func WriteSpectrumCSV(t *testing.T, dir, id string, wave, flux, ivar []float64) {
	t.Helper()
	var b strings.Builder
	b.WriteString("wavelength,flux,ivar\n")
	for i := range wave {
		fmt.Fprintf(&b, "%.6f,%.8f,%.8f\n", wave[i], flux[i], ivar[i])
	}
	path := filepath.Join(dir, id+".csv")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("write spectrum %s: %v", path, err)
	}
}

// WriteLabelCSV writes a reference label table with an id column followed by
// one column per label name.
func WriteLabelCSV(t *testing.T, path string, ids, names []string, vals [][]float64) {
	t.Helper()
	var b strings.Builder
	b.WriteString("id," + strings.Join(names, ",") + "\n")
	for i, id := range ids {
		b.WriteString(id)
		for _, v := range vals[i] {
			fmt.Fprintf(&b, ",%.6f", v)
		}
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("write label table %s: %v", path, err)
	}
}

// RandLabels draws nObj label vectors uniformly from the given [lo, hi]
// bounds using a fixed-seed generator so fixtures are reproducible.
func RandLabels(seed int64, nObj int, lo, hi []float64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, nObj)
	for i := range out {
		row := make([]float64, len(lo))
		for j := range row {
			row[j] = lo[j] + rng.Float64()*(hi[j]-lo[j])
		}
		out[i] = row
	}
	return out
}

// NoisyFlux perturbs flux with Gaussian noise of the given sigma and returns
// the perturbed flux alongside the matching constant inverse variance.
func NoisyFlux(seed int64, flux []float64, sigma float64) (noisy, ivar []float64) {
	rng := rand.New(rand.NewSource(seed))
	noisy = make([]float64, len(flux))
	ivar = make([]float64, len(flux))
	w := 1.0 / (sigma * sigma)
	for i, f := range flux {
		noisy[i] = f + rng.NormFloat64()*sigma
		ivar[i] = w
	}
	return noisy, ivar
}
