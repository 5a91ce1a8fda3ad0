package corphylo

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// initialSignal is the raw starting value of every signal parameter.
const initialSignal = 0.5

// Session holds the standardized data, design and fit state of one model.
// Objective only reads a Session; Fit is the one writer.
type Session struct {
	n, p int

	data    Data // raw inputs, kept for un-standardizing and the bootstrap
	scaling Scaling

	XX   *mat.VecDense // flattened standardized traits, length n*p
	UU   *mat.Dense    // n*p x k design
	MM   []float64     // flattened squared standardized measurement errors
	Vphy *mat.Dense    // normalized phylogenetic covariance
	tau  *mat.Dense
	cols []designColumn

	REML       bool
	ConstrainD bool
	Verbose    bool

	// Starting point and optimum of the parameter vector
	Par0   []float64
	MinPar []float64
	// Objective value at MinPar
	Value      float64
	Iterations int
	ConvCode   int

	logger  *slog.Logger
	metrics *Metrics
}

// NewSession standardizes the raw data, normalizes Vphy, builds the design and
// derives starting values for the optimizer.
func NewSession(data Data, cfg Config) (*Session, error) {
	const stage = "model fitting"

	if data.X == nil || data.Vphy == nil {
		return nil, fmt.Errorf("%s: %w", stage, ErrEmptyInput)
	}
	n, _ := data.X.Dims()
	if vr, _ := data.Vphy.Dims(); vr != n {
		return nil, fmt.Errorf("%s: Vphy has %d rows, X has %d: %w", stage, vr, n, ErrDimensionMismatch)
	}

	Vphy, err := normalizeVphy(data.Vphy)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	s := &Session{
		data:       data,
		Vphy:       Vphy,
		tau:        makeTau(Vphy),
		REML:       cfg.REML,
		ConstrainD: cfg.ConstrainD,
		Verbose:    cfg.Verbose,
		logger:     cfg.logger(),
		metrics:    cfg.Metrics,
	}
	std, err := s.load(data.X, stage)
	if err != nil {
		return nil, err
	}
	s.UU, s.cols = buildDesign(s.n, s.p, std.U, std.Scaling.SDU)

	s.Par0, err = initialPar(std, s.cols, stage)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newReplicateSession builds a session for synthetic traits X, reusing the
// parent's normalized tree, tau and design. Covariates and measurement error
// are the parent's raw inputs.
func newReplicateSession(X *mat.Dense, parent *Session, stage string) (*Session, error) {
	data := parent.data
	data.X = X

	s := &Session{
		data:       data,
		Vphy:       parent.Vphy,
		tau:        parent.tau,
		UU:         parent.UU,
		cols:       parent.cols,
		REML:       parent.REML,
		ConstrainD: parent.ConstrainD,
		Verbose:    parent.Verbose,
		logger:     parent.logger,
		metrics:    parent.metrics,
	}
	std, err := s.load(X, stage)
	if err != nil {
		return nil, err
	}

	s.Par0, err = initialPar(std, s.cols, stage)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// load standardizes X against the session's covariates and measurement
// error and fills the flattened trait and noise vectors.
func (s *Session) load(X *mat.Dense, stage string) (*Standardized, error) {
	std, err := Standardize(X, s.data.U, s.data.M)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	s.n, s.p = std.X.Dims()
	s.scaling = std.Scaling
	s.XX = flatten(std.X)
	s.MM = flattenSquared(std.M)
	return std, nil
}

// Dims returns the number of taxa and traits.
func (s *Session) Dims() (n, p int) { return s.n, s.p }

// initialPar regresses each standardized trait on its kept covariates, takes
// the Cholesky factor of the residual covariance and packs it with a raw
// signal of 0.5 per trait.
func initialPar(std *Standardized, cols []designColumn, stage string) ([]float64, error) {
	n, p := std.X.Dims()
	eps := mat.NewDense(n, p, nil)

	for i := 0; i < p; i++ {
		var kept []int
		for _, dc := range cols {
			if dc.Trait == i && dc.Covariate >= 0 {
				kept = append(kept, dc.Covariate)
			}
		}
		y := mat.NewVecDense(n, nil)
		y.CopyVec(std.X.ColView(i))
		if len(kept) == 0 {
			eps.SetCol(i, y.RawVector().Data)
			continue
		}

		design := mat.NewDense(n, len(kept)+1, nil)
		for r := 0; r < n; r++ {
			design.Set(r, 0, 1)
			for c, j := range kept {
				design.Set(r, c+1, std.U[i].At(r, j))
			}
		}
		res, err := olsResiduals(design, y)
		if err != nil {
			return nil, fmt.Errorf("%s: initial values for trait %d: %w", stage, i, err)
		}
		eps.SetCol(i, res.RawVector().Data)
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, eps, nil)
	L, err := safeCholesky(&cov, stage)
	if err != nil {
		return nil, err
	}

	par := Pack(L, make([]float64, p), false)
	for i := numPar(p) - p; i < len(par); i++ {
		par[i] = initialSignal
	}
	return par, nil
}

// olsResiduals returns y - X b for the least-squares fit b. When X'X is
// singular or badly conditioned the minimum-norm solution is taken from an SVD.
func olsResiduals(X *mat.Dense, y *mat.VecDense) (*mat.VecDense, error) {
	_, m := X.Dims()
	var b mat.VecDense

	var xtx, xtxInv mat.Dense
	xtx.Mul(X.T(), X)
	err := xtxInv.Inverse(&xtx)
	if c := mat.Cond(&xtx, 1); err == nil && c > 1/condMin {
		err = mat.Condition(c)
	}
	if err == nil {
		var xty mat.VecDense
		xty.MulVec(X.T(), y)
		b.MulVec(&xtxInv, &xty)
	} else {
		var svd mat.SVD
		if ok := svd.Factorize(X, mat.SVDFullU|mat.SVDFullV); !ok {
			return nil, fmt.Errorf("least squares: X'X singular and SVD factorization failed: %v", err)
		}
		rank := svd.Rank(1e-12)
		if rank == 0 {
			b = *mat.NewVecDense(m, nil)
		} else {
			svd.SolveVecTo(&b, y, rank)
		}
	}

	var res mat.VecDense
	res.MulVec(X, &b)
	res.SubVec(y, &res)
	return &res, nil
}
