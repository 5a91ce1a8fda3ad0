package corphylo

import (
	"gonum.org/v1/gonum/mat"
)

// Data holds the raw inputs of a fit. Rows of X, M and every U[i] are aligned
// with the rows of Vphy.
type Data struct {
	// n x p trait values
	X *mat.Dense
	// One n x q_i covariate matrix per trait; a nil entry means no covariates
	U []*mat.Dense
	// n x p standard errors of X; nil means no measurement error
	M *mat.Dense
	// n x n phylogenetic covariance
	Vphy *mat.Dense

	// Optional labels used in the coefficient table
	TraitNames     []string
	CovariateNames [][]string
}

// KeepPolicy decides which synthetic bootstrap datasets are retained.
type KeepPolicy string

const (
	KeepNone KeepPolicy = "none"
	KeepFail KeepPolicy = "fail"
	KeepAll  KeepPolicy = "all"
)

// Optimization methods understood by GonumOptimizer.
const (
	MethodNelderMeadR     = "nelder-mead-r"
	MethodNelderMeadNlopt = "nelder-mead-nlopt"
	MethodSubplex         = "subplex"
	MethodBobyqa          = "bobyqa"
	MethodSann            = "sann"
)

// AnnealOptions tunes the global pass that runs before the local search
// when Method is "sann".
type AnnealOptions struct {
	MaxIter int     `yaml:"max_iter" validate:"gte=1"`
	Temp    float64 `yaml:"temp" validate:"gt=0"`
	Tmax    int     `yaml:"tmax" validate:"gte=1"`
}

// Scaling records what standardization removed, so estimates can be put back
// on the scale of the raw data.
type Scaling struct {
	// Per-trait mean and standard deviation of X
	MeanX []float64
	SDX   []float64
	// Per-trait covariate means and standard deviations
	MeanU [][]float64
	SDU   [][]float64
}

// designColumn says where a column of UU came from. Covariate is -1 for the
// per-trait intercept.
type designColumn struct {
	Trait     int
	Covariate int
}

// Coefficient is one row of the coefficient table.
type Coefficient struct {
	Name     string
	Estimate float64
	SE       float64
	Z        float64
	P        float64
}

// Estimates is what the Output Synthesizer derives from a fitted session.
type Estimates struct {
	// p x p correlation matrix with unit diagonal
	Corrs *mat.Dense
	// Phylogenetic signal per trait
	D []float64
	// Coefficient table on the scale of the raw data
	B []Coefficient
	// k x k coefficient covariance
	BCov *mat.Dense
}

// Result is the output of the top-level fit.
type Result struct {
	RunID string

	Corrs *mat.Dense
	D     []float64
	B     []Coefficient
	BCov  *mat.Dense

	LogLik float64
	AIC    float64
	BIC    float64

	// Number of objective evaluations used by the optimizer
	Iterations int
	// 0 means converged
	ConvCode int

	// Nil unless Config.Boot > 0
	Bootstrap *BootstrapResult
}

// BootstrapResult accumulates replicate outputs. Every slice is sized to the
// requested number of replicates up front and filled by index.
type BootstrapResult struct {
	// p x p correlation matrix per replicate
	Corrs []*mat.Dense
	// p x B, column b is the signal of replicate b
	D *mat.Dense
	// k x B, column b is the coefficient vector of replicate b
	B0 *mat.Dense
	// k x k coefficient covariance per replicate
	BCov []*mat.Dense
	// Convergence code per replicate
	Codes []int
	// Synthetic n x p trait data; nil when not retained
	Data []*mat.Dense
	// Whether replicate b finished
	Completed []bool
	// True when the sweep was interrupted by context cancellation
	Cancelled bool
}

// Interval is a lower/upper pair of p x q bounds.
type Interval struct {
	Lower *mat.Dense
	Upper *mat.Dense
}

// BootstrapCI holds percentile intervals derived from a BootstrapResult.
type BootstrapCI struct {
	Alpha float64
	Corrs Interval
	// p x 1
	D Interval
	// k x 1
	B0 Interval
}
