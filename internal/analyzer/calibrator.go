package analyzer

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidCalibration means a calibration table violates its shape rules
var ErrInvalidCalibration = errors.New("invalid calibration table")

// Isotonic is a piecewise-constant, non-decreasing mapping from raw model
// probability to calibrated probability. A nil *Isotonic is the identity.
type Isotonic struct {
	x []float64
	y []float64
}

// NewIsotonic builds a table from breakpoints x (strictly increasing) and
// values y (non-decreasing), both within [0,1] and of equal length.
func NewIsotonic(x, y []float64) (*Isotonic, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d breakpoints, %d values", ErrInvalidCalibration, len(x), len(y))
	}
	for i := range x {
		if !inUnit(x[i]) || !inUnit(y[i]) {
			return nil, fmt.Errorf("%w: point %d outside [0,1]", ErrInvalidCalibration, i)
		}
		if i == 0 {
			continue
		}
		if x[i] <= x[i-1] {
			return nil, fmt.Errorf("%w: breakpoints not strictly increasing at %d", ErrInvalidCalibration, i)
		}
		if y[i] < y[i-1] {
			return nil, fmt.Errorf("%w: values decrease at %d", ErrInvalidCalibration, i)
		}
	}

	c := &Isotonic{
		x: make([]float64, len(x)),
		y: make([]float64, len(y)),
	}
	copy(c.x, x)
	copy(c.y, y)
	return c, nil
}

// Calibrate returns y[k] for the largest k with x[k] <= p, or y[0] when p
// is below the first breakpoint.
func (c *Isotonic) Calibrate(p float64) float64 {
	if math.IsNaN(p) {
		return p
	}
	if c == nil {
		return clampUnit(p)
	}
	i := sort.Search(len(c.x), func(i int) bool { return c.x[i] > p })
	if i == 0 {
		return c.y[0]
	}
	return c.y[i-1]
}

// Len returns the number of breakpoints, 0 for the identity
func (c *Isotonic) Len() int {
	if c == nil {
		return 0
	}
	return len(c.x)
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
