package timing

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CalibrationSample is one measured point of a valve calibration run: the
// valve was pulsed open for PulseUs microseconds and dispensed VolumeUl
// microliters of fluid (averaged over the calibration cycle).
type CalibrationSample struct {
	PulseUs  float64
	VolumeUl float64
}

// ErrFitDiverged is returned when the power-law solver fails to converge on
// the supplied calibration samples.
var ErrFitDiverged = errors.New("power-law fit did not converge")

const (
	fitMaxIterations = 200
	fitTolerance     = 1e-10
)

// PowerLawFit fits volume = a * pulse^b to the calibration samples and
// returns the coefficients rounded to 8 decimals. The solver seeds a and b
// from an ordinary least-squares fit in log-log space and refines them with
// Gauss-Newton iterations on the untransformed model.
func PowerLawFit(samples []CalibrationSample) (a, b float64, err error) {
	if len(samples) < 2 {
		return 0, 0, fmt.Errorf("power-law fit requires at least 2 samples, got %d", len(samples))
	}
	for _, s := range samples {
		if s.PulseUs <= 0 || s.VolumeUl <= 0 {
			return 0, 0, fmt.Errorf("calibration sample (%g us, %g ul) is not strictly positive", s.PulseUs, s.VolumeUl)
		}
	}

	a, b = logLogSeed(samples)

	n := len(samples)
	jac := mat.NewDense(n, 2, nil)
	res := mat.NewVecDense(n, nil)
	cost := residualCost(samples, a, b)
	for iter := 0; iter < fitMaxIterations; iter++ {
		for i, s := range samples {
			model := a * math.Pow(s.PulseUs, b)
			res.SetVec(i, s.VolumeUl-model)
			jac.Set(i, 0, math.Pow(s.PulseUs, b))
			jac.Set(i, 1, model*math.Log(s.PulseUs))
		}

		// Scale each Jacobian column to unit norm: pulse^b and model*ln(pulse)
		// differ by many orders of magnitude, which leaves J'J near-singular.
		var scale [2]float64
		for j := range scale {
			scale[j] = mat.Norm(jac.ColView(j), 2)
			for i := 0; i < n; i++ {
				jac.Set(i, j, jac.At(i, j)/scale[j])
			}
		}

		// Normal equations: (J'J) delta = J'r.
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), res)

		var delta mat.VecDense
		if solveErr := delta.SolveVec(&jtj, &jtr); solveErr != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrFitDiverged, solveErr)
		}
		da, db := delta.AtVec(0)/scale[0], delta.AtVec(1)/scale[1]

		// Damped step: halve until the residual stops growing.
		step := 1.0
		nextA, nextB := a+da, b+db
		nextCost := residualCost(samples, nextA, nextB)
		for halvings := 0; nextCost > cost && halvings < 30; halvings++ {
			step /= 2
			nextA, nextB = a+da*step, b+db*step
			nextCost = residualCost(samples, nextA, nextB)
		}
		a, b, cost = nextA, nextB, nextCost
		if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
			return 0, 0, ErrFitDiverged
		}
		if math.Abs(da*step) <= fitTolerance*math.Max(1, math.Abs(a)) &&
			math.Abs(db*step) <= fitTolerance*math.Max(1, math.Abs(b)) {
			return Round8(a), Round8(b), nil
		}
	}
	return 0, 0, ErrFitDiverged
}

func residualCost(samples []CalibrationSample, a, b float64) float64 {
	var sum float64
	for _, s := range samples {
		r := s.VolumeUl - a*math.Pow(s.PulseUs, b)
		sum += r * r
	}
	return sum
}

// logLogSeed performs ordinary least squares on ln(volume) = ln(a) + b*ln(pulse).
func logLogSeed(samples []CalibrationSample) (a, b float64) {
	var sx, sy, sxx, sxy float64
	n := float64(len(samples))
	for _, s := range samples {
		x := math.Log(s.PulseUs)
		y := math.Log(s.VolumeUl)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	b = (n*sxy - sx*sy) / (n*sxx - sx*sx)
	a = math.Exp((sy - b*sx) / n)
	return a, b
}

// Round8 rounds to 8 decimal places, the precision calibration constants are
// stored at.
func Round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
