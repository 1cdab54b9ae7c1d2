// Package optimization provides a Levenberg-Marquardt nonlinear least squares solver. Every solve
// owns its state, so independent problems can be minimized concurrently.
package optimization

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/logging"
)

// Problem is a least squares problem min sum r_i(x)^2.
type Problem struct {
	NumParams    int
	NumResiduals int
	// Residuals writes r(x) into dst, which has NumResiduals entries.
	Residuals func(dst, x []float64)
	// Jacobian writes dr/dx into dst (NumResiduals x NumParams). If nil a central finite
	// difference approximation is used.
	Jacobian func(dst *mat.Dense, x []float64)
}

// Settings control the termination of the solver.
type Settings struct {
	MaxIterations     int
	InitialLambda     float64
	GradientTolerance float64
	StepTolerance     float64
	CostTolerance     float64
}

// DefaultSettings returns settings suitable for pose and camera refinement.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:     100,
		InitialLambda:     1e-3,
		GradientTolerance: 1e-12,
		StepTolerance:     1e-12,
		CostTolerance:     1e-14,
	}
}

// Status describes why the solver stopped.
type Status int

// Termination reasons.
const (
	IterationLimit Status = iota
	GradientConvergence
	StepConvergence
	CostConvergence
	LambdaOverflow
)

func (s Status) String() string {
	switch s {
	case GradientConvergence:
		return "gradient convergence"
	case StepConvergence:
		return "step convergence"
	case CostConvergence:
		return "cost convergence"
	case LambdaOverflow:
		return "damping overflow"
	case IterationLimit:
		fallthrough
	default:
		return "iteration limit"
	}
}

// Result is the outcome of a minimization.
type Result struct {
	X           []float64
	InitialCost float64
	Cost        float64
	Iterations  int
	Status      Status
}

// Converged is true unless the iteration limit or damping overflow stopped the solver.
func (r *Result) Converged() bool {
	return r.Status == GradientConvergence || r.Status == StepConvergence || r.Status == CostConvergence
}

// LevenbergMarquardt minimizes a Problem. The zero value is not usable, use NewLevenbergMarquardt.
type LevenbergMarquardt struct {
	settings Settings
	logger   logging.Logger
}

// NewLevenbergMarquardt returns a solver. A nil logger discards output.
func NewLevenbergMarquardt(settings Settings, logger logging.Logger) *LevenbergMarquardt {
	if logger == nil {
		logger = logging.NewBlankLogger("lm")
	}
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = DefaultSettings().MaxIterations
	}
	if settings.InitialLambda <= 0 {
		settings.InitialLambda = DefaultSettings().InitialLambda
	}
	return &LevenbergMarquardt{settings: settings, logger: logger}
}

const maxLambda = 1e16

// Minimize runs the solver from x0. x0 is not modified.
func (lm *LevenbergMarquardt) Minimize(ctx context.Context, p Problem, x0 []float64) (*Result, error) {
	n, m := p.NumParams, p.NumResiduals
	if n <= 0 || len(x0) != n {
		return nil, errors.Errorf("expected %d parameters, got %d", n, len(x0))
	}
	if m < n {
		return nil, errors.Errorf("under-determined problem: %d residuals for %d parameters", m, n)
	}
	if p.Residuals == nil {
		return nil, errors.New("problem has no residual function")
	}

	x := append([]float64{}, x0...)
	trial := make([]float64, n)
	r := make([]float64, m)
	rTrial := make([]float64, m)
	jac := mat.NewDense(m, n, nil)

	jacobian := p.Jacobian
	if jacobian == nil {
		jacobian = func(dst *mat.Dense, x []float64) {
			fd.Jacobian(dst, p.Residuals, x, &fd.JacobianSettings{Formula: fd.Central})
		}
	}

	p.Residuals(r, x)
	cost := floats.Dot(r, r)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, errors.New("initial cost is not finite")
	}
	res := &Result{InitialCost: cost, Status: IterationLimit}
	lambda := lm.settings.InitialLambda

	var jtj mat.SymDense
	g := mat.NewVecDense(n, nil)
	a := mat.NewDense(n, n, nil)
	var delta mat.VecDense

	for iter := 0; iter < lm.settings.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations = iter + 1
		jacobian(jac, x)
		jtj.SymOuterK(1, jac.T())
		g.MulVec(jac.T(), mat.NewVecDense(m, r))

		if mat.Norm(g, math.Inf(1)) <= lm.settings.GradientTolerance {
			res.Status = GradientConvergence
			break
		}

		improved := false
		for !improved {
			a.Copy(&jtj)
			for i := 0; i < n; i++ {
				d := jtj.At(i, i)
				if d == 0 {
					d = 1
				}
				a.Set(i, i, jtj.At(i, i)+lambda*d)
			}
			if err := delta.SolveVec(a, g); err != nil {
				lambda *= 10
				if lambda > maxLambda {
					res.Status = LambdaOverflow
					break
				}
				continue
			}
			for i := range trial {
				trial[i] = x[i] - delta.AtVec(i)
			}
			p.Residuals(rTrial, trial)
			trialCost := floats.Dot(rTrial, rTrial)
			if trialCost < cost && !math.IsNaN(trialCost) {
				improved = true
				stepNorm := mat.Norm(&delta, 2)
				prevCost := cost
				copy(x, trial)
				copy(r, rTrial)
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-15)
				switch {
				case stepNorm <= lm.settings.StepTolerance*(floats.Norm(x, 2)+lm.settings.StepTolerance):
					res.Status = StepConvergence
				case prevCost-cost <= lm.settings.CostTolerance*prevCost:
					res.Status = CostConvergence
				}
			} else {
				lambda *= 10
				if lambda > maxLambda {
					res.Status = LambdaOverflow
					break
				}
			}
		}
		if res.Status != IterationLimit {
			break
		}
	}

	res.X = x
	res.Cost = cost
	lm.logger.Debugw("levenberg-marquardt finished",
		"iterations", res.Iterations, "initial_cost", res.InitialCost, "cost", res.Cost, "status", res.Status.String())
	return res, nil
}
