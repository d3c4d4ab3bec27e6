package continuum

import (
	"fmt"

	"github.com/apogee-data/cannon/internal/monitoring"
	"github.com/apogee-data/cannon/spectra"
)

// NormalizeSets runs the full normalization sequence: pseudo-continuum
// estimation on the training set, continuum-pixel selection, then parametric
// normalization of both the training and test sets against the
// training-derived mask. The test set may be the training set itself.
//
// The mask is returned alongside the normalized datasets so diagnostics and
// persistence can record which pixels anchored the fits.
func NormalizeSets(train, test *spectra.Dataset, p Params) (normTrain, normTest *spectra.Dataset, mask []bool, err error) {
	if train.NumPixels() != test.NumPixels() {
		return nil, nil, nil, fmt.Errorf("continuum: training set has %d pixels, test set %d",
			train.NumPixels(), test.NumPixels())
	}

	pseudo, err := PseudoNormalize(train, p)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pseudo-continuum: %w", err)
	}
	mask, err = BuildMask(pseudo, p.Fraction)
	if err != nil {
		return nil, nil, nil, err
	}
	monitoring.Logf("continuum: selected %d of %d pixels (target fraction %.3f)",
		MaskCount(mask), train.NumPixels(), p.Fraction)

	normTrain, err = Normalize(train, mask, p)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("normalize training set: %w", err)
	}
	if test == train {
		return normTrain, normTrain, mask, nil
	}
	normTest, err = Normalize(test, mask, p)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("normalize test set: %w", err)
	}
	return normTrain, normTest, mask, nil
}
