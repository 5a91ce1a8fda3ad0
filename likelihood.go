package corphylo

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// Reciprocal condition numbers below this are treated as singular.
	condMin = 1e-10
	// Returned by the objective in place of an undefined likelihood.
	sentinelObjective = 1e10
	// Largest |logit d| (constrained) or d (unconstrained) the objective accepts.
	signalBound = 10
)

// glsFit holds the generalized least-squares quantities for one covariance.
type glsFit struct {
	iV mat.Matrix
	// log|V|, only set on the gated path
	logDetV float64
	denom   *mat.Dense // UU' iV UU
	lu      mat.LU     // factorization of denom
	B0      *mat.VecDense
	H       *mat.VecDense // XX - UU B0
}

// solveGLS inverts V and solves for the GLS coefficients. When gate is true,
// V must be finite, well conditioned and positive definite, and UU' iV UU well
// conditioned; otherwise the returned reason names the failed check. The
// inverse and log-determinant then come from the Cholesky factor of V. An
// empty reason means fit is usable.
func solveGLS(V *mat.Dense, UU *mat.Dense, XX *mat.VecDense, gate bool) (fit *glsFit, reason string) {
	if gate {
		if !allFinite(V) {
			return nil, reasonCovariance
		}
		var lu mat.LU
		lu.Factorize(V)
		if rc := 1 / lu.Cond(); !isFinite(rc) || rc < condMin {
			return nil, reasonCovariance
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(symmetrize(V)); !ok {
			return nil, reasonIndefinite
		}
		iV := &mat.SymDense{}
		if err := chol.InverseTo(iV); err != nil {
			return nil, reasonCovariance
		}
		fit = &glsFit{iV: iV, logDetV: chol.LogDet()}
	} else {
		iV := &mat.Dense{}
		if err := iV.Inverse(V); err != nil {
			var cond mat.Condition
			if errors.As(err, &cond) && math.IsInf(float64(cond), 1) {
				return nil, reasonCovariance
			}
		}
		fit = &glsFit{iV: iV}
	}

	var tmp mat.Dense
	tmp.Mul(UU.T(), fit.iV)
	fit.denom = &mat.Dense{}
	fit.denom.Mul(&tmp, UU)
	var num mat.VecDense
	num.MulVec(&tmp, XX)

	fit.lu.Factorize(fit.denom)
	if gate {
		if rc := 1 / fit.lu.Cond(); !isFinite(rc) || rc < condMin {
			return nil, reasonDesign
		}
	}
	fit.B0 = &mat.VecDense{}
	if err := fit.lu.SolveVecTo(fit.B0, false, &num); err != nil && gate {
		return nil, reasonDesign
	}

	fit.H = &mat.VecDense{}
	fit.H.MulVec(UU, fit.B0)
	fit.H.SubVec(XX, fit.H)
	return fit, ""
}

// Objective is the negative (restricted) log-likelihood, up to constants, at
// par. Degenerate parameter regions return sentinelObjective instead of an
// error so a derivative-free optimizer can back away from them. It only reads
// the session and is safe for concurrent use.
func (s *Session) Objective(par []float64) float64 {
	s.metrics.recordEvaluation(s.REML)
	if checkParLen(par, s.p) != nil {
		return s.reject(reasonDimension)
	}

	p := s.p
	d := make([]float64, p)
	rawSignal(d, par, p)
	if s.ConstrainD {
		for i, v := range d {
			if math.Abs(v) > signalBound {
				return s.reject(reasonSignalBound)
			}
			d[i] = sigmoid(v)
		}
	} else {
		for _, v := range d {
			if v > signalBound {
				return s.reject(reasonSignalBound)
			}
		}
	}

	R := crossProduct(unpackL(par, p))
	C := BuildC(d, R, s.tau, s.Vphy)
	V := AddNoise(C, s.MM)

	fit, reason := solveGLS(V, s.UU, s.XX, true)
	if reason != "" {
		return s.reject(reason)
	}

	if !isFinite(fit.logDetV) {
		return s.reject(reasonLogDet)
	}
	quad := mat.Inner(fit.H, fit.iV, fit.H)

	var ll float64
	if s.REML {
		logDetDenom, sign := fit.lu.LogDet()
		if sign <= 0 {
			return s.reject(reasonDesign)
		}
		ll = 0.5 * (fit.logDetV + logDetDenom + quad)
	} else {
		ll = 0.5 * (fit.logDetV + quad)
	}
	if !isFinite(ll) {
		return s.reject(reasonNonFiniteLik)
	}

	if s.Verbose {
		s.logger.Debug("objective", "value", ll, "par", par)
	}
	return ll
}

func (s *Session) reject(reason string) float64 {
	s.metrics.recordSentinel(reason)
	return sentinelObjective
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func allFinite(a *mat.Dense) bool {
	raw := a.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		for _, v := range raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols] {
			if !isFinite(v) {
				return false
			}
		}
	}
	return true
}
