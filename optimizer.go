package corphylo

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
)

// Gradient norm at which the finite-difference quasi-Newton search stops.
// Central differences cannot resolve gradients much below this.
const fdGradientThreshold = 1e-8

// OptimizeOptions configures one optimizer run.
type OptimizeOptions struct {
	Algorithm string
	RelTol    float64
	AbsTol    float64
	MaxIter   int

	// Used only by stochastic algorithms
	Anneal AnnealOptions
	Seed   uint64
}

// OptimizeResult is what an Optimizer returns. Status 0 means the run
// converged; anything else means it stopped before reaching the tolerance.
type OptimizeResult struct {
	Solution   []float64
	Value      float64
	Iterations int
	Status     int
}

// Optimizer minimizes a black-box objective from a starting vector.
//
// Reentrant reports whether Minimize may be called from several goroutines at
// once. The bootstrap runs replicates serially for backends that are not.
type Optimizer interface {
	Minimize(f func([]float64) float64, start []float64, opts OptimizeOptions) (*OptimizeResult, error)
	Reentrant() bool
}

// GonumOptimizer implements Optimizer on top of gonum/optimize.
//
//	nelder-mead-r, nelder-mead-nlopt, subplex  Nelder-Mead simplex
//	bobyqa                                     BFGS on central finite-difference gradients
//	sann                                       CMA-ES global search
//
// A fresh method value is built on every call, so it is safe for concurrent use.
type GonumOptimizer struct {
	// Number of major iterations without sufficient improvement after which
	// a run is considered converged. Zero means 25.
	StallIterations int
}

// Reentrant is always true for GonumOptimizer.
func (g *GonumOptimizer) Reentrant() bool { return true }

// Minimize runs the algorithm named in opts.Algorithm.
func (g *GonumOptimizer) Minimize(f func([]float64) float64, start []float64, opts OptimizeOptions) (*OptimizeResult, error) {
	stall := g.StallIterations
	if stall <= 0 {
		stall = 25
	}

	prob := optimize.Problem{Func: f}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Relative:   opts.RelTol,
			Absolute:   opts.AbsTol,
			Iterations: stall,
		},
		MajorIterations: opts.MaxIter,
	}

	var method optimize.Method
	switch opts.Algorithm {
	case MethodNelderMeadR, MethodNelderMeadNlopt, MethodSubplex:
		method = &optimize.NelderMead{}
	case MethodBobyqa:
		fdSettings := &fd.Settings{Formula: fd.Central}
		prob.Grad = func(grad, x []float64) {
			fd.Gradient(grad, f, x, fdSettings)
		}
		settings.GradientThreshold = fdGradientThreshold
		method = &optimize.BFGS{}
	case MethodSann:
		dim := len(start)
		pop := 4 + int(3*math.Log(float64(dim)))
		if opts.Anneal.Tmax > 1 {
			pop *= opts.Anneal.Tmax
		}
		method = &optimize.CmaEsChol{
			InitStepSize: opts.Anneal.Temp,
			Population:   pop,
			Src:          rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15),
		}
		settings.Converger = optimize.NeverTerminate{}
		settings.MajorIterations = 0
		settings.FuncEvaluations = opts.Anneal.MaxIter
		if settings.FuncEvaluations <= 0 {
			settings.FuncEvaluations = 1000
		}
	default:
		return nil, fmt.Errorf("minimize: %q: %w", opts.Algorithm, ErrUnknownMethod)
	}

	res, err := optimize.Minimize(prob, start, settings, method)
	if res == nil {
		return nil, fmt.Errorf("minimize %s: %w", opts.Algorithm, err)
	}

	out := &OptimizeResult{
		Solution:   append([]float64(nil), res.X...),
		Value:      res.F,
		Iterations: res.FuncEvaluations,
		Status:     statusCode(res.Status),
	}
	if err != nil && out.Status == 0 {
		out.Status = int(optimize.Failure)
	}
	return out, nil
}

// statusCode maps a gonum termination status to a convergence code: 0 for a
// regular convergence, the gonum status value for an early stop and -1 when
// the run never terminated.
func statusCode(s optimize.Status) int {
	switch {
	case s == optimize.NotTerminated:
		return -1
	case s.Early():
		return int(s)
	}
	return 0
}
