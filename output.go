package corphylo

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var errNotFitted = errors.New("corphylo: session has not been fitted")

// Extract derives correlations, signal strengths and the coefficient table
// from the fitted parameter vector.
//
// The covariance used here adds the first squared measurement error to every
// diagonal element rather than the full per-observation vector the objective
// uses. The two agree when there is no measurement error.
func (s *Session) Extract() (*Estimates, error) {
	R, d, fit, err := s.outputFit()
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	var denomInv mat.Dense
	if err := denomInv.Inverse(fit.denom); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) && math.IsInf(float64(cond), 1) {
			return nil, fmt.Errorf("extract: coefficient covariance: %w", ErrNotPositiveDefinite)
		}
	}

	k := len(s.cols)
	est := make([]float64, k)
	scale := make([]float64, k)
	for c, dc := range s.cols {
		b := fit.B0.AtVec(c)
		sdX := s.scaling.SDX[dc.Trait]
		if dc.Covariate < 0 {
			scale[c] = sdX
			est[c] = b*sdX + s.scaling.MeanX[dc.Trait]
		} else {
			scale[c] = sdX / s.scaling.SDU[dc.Trait][dc.Covariate]
			est[c] = b * scale[c]
		}
	}

	BCov := mat.NewDense(k, k, nil)
	BCov.Apply(func(i, j int, v float64) float64 {
		return scale[i] * v * scale[j]
	}, &denomInv)

	coefs := make([]Coefficient, k)
	for c := range coefs {
		se := math.Sqrt(BCov.At(c, c))
		z := est[c] / se
		coefs[c] = Coefficient{
			Name:     s.coefficientName(s.cols[c]),
			Estimate: est[c],
			SE:       se,
			Z:        z,
			P:        2 * distuv.UnitNormal.Survival(math.Abs(z)),
		}
	}

	return &Estimates{
		Corrs: MakeCorrs(R),
		D:     d,
		B:     coefs,
		BCov:  BCov,
	}, nil
}

// outputFit unpacks MinPar and solves the GLS problem on the covariance with
// the scalar measurement-error term. Extract and the bootstrap prediction both
// take their coefficients from it.
func (s *Session) outputFit() (*mat.SymDense, []float64, *glsFit, error) {
	if s.MinPar == nil {
		return nil, nil, nil, errNotFitted
	}
	if err := checkParLen(s.MinPar, s.p); err != nil {
		return nil, nil, nil, err
	}

	L, d := Unpack(s.MinPar, s.p, s.ConstrainD)
	R := crossProduct(L)
	C := BuildC(d, R, s.tau, s.Vphy)
	V := addScalarNoise(C, s.MM[0])

	fit, reason := solveGLS(V, s.UU, s.XX, false)
	if reason != "" {
		return nil, nil, nil, fmt.Errorf("%s: %w", reason, ErrNotPositiveDefinite)
	}
	return R, d, fit, nil
}

// InformationCriteria returns the log-likelihood of the fitted session and
// the AIC and BIC derived from it. The parameter count is the length of the
// parameter vector plus the number of design columns.
func (s *Session) InformationCriteria() (logLik, aic, bic float64) {
	np := float64(s.n * s.p)
	k := float64(len(s.MinPar) + len(s.cols))

	logLik = -0.5 * math.Log(2*math.Pi)
	if s.REML {
		logLik *= np - float64(len(s.cols))
		xx := mat.Dot(s.XX, s.XX)
		logLik += 0.5*math.Log(xx) - s.Value
	} else {
		logLik *= np
		logLik -= s.Value
	}

	aic = -2*logLik + 2*k
	bic = -2*logLik + k*math.Log(float64(s.n)/math.Pi)
	return logLik, aic, bic
}

func (s *Session) coefficientName(dc designColumn) string {
	trait := fmt.Sprintf("par_%d", dc.Trait)
	if dc.Trait < len(s.data.TraitNames) && s.data.TraitNames[dc.Trait] != "" {
		trait = s.data.TraitNames[dc.Trait]
	}
	if dc.Covariate < 0 {
		return trait
	}

	cov := fmt.Sprintf("cov%d", dc.Covariate+1)
	if dc.Trait < len(s.data.CovariateNames) {
		names := s.data.CovariateNames[dc.Trait]
		if dc.Covariate < len(names) && names[dc.Covariate] != "" {
			cov = names[dc.Covariate]
		}
	}
	return trait + "_" + cov
}
