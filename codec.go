package corphylo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// numPar is the length of the optimization vector for p traits:
// p(p+1)/2 Cholesky entries followed by p signal parameters.
func numPar(p int) int {
	return p*(p+1)/2 + p
}

// numTraits recovers p from the length of an optimization vector.
func numTraits(npar int) (int, error) {
	for p := 1; numPar(p) <= npar; p++ {
		if numPar(p) == npar {
			return p, nil
		}
	}
	return 0, fmt.Errorf("parameter vector of length %d: %w", npar, ErrDimensionMismatch)
}

// checkParLen returns an error unless par is a parameter vector for p traits.
func checkParLen(par []float64, p int) error {
	q, err := numTraits(len(par))
	if err != nil {
		return err
	}
	if q != p {
		return fmt.Errorf("parameter vector for %d traits, want %d: %w", q, p, ErrDimensionMismatch)
	}
	return nil
}

// Pack writes the lower triangle of L column by column, diagonal first, and then
// the signal vector d. When constrainD is true the signal is stored on the
// logit scale.
func Pack(L mat.Matrix, d []float64, constrainD bool) []float64 {
	p, _ := L.Dims()
	par := make([]float64, 0, numPar(p))
	for j := 0; j < p; j++ {
		for i := j; i < p; i++ {
			par = append(par, L.At(i, j))
		}
	}
	for _, di := range d {
		if constrainD {
			di = logit(di)
		}
		par = append(par, di)
	}
	return par
}

// Unpack is the inverse of Pack.
func Unpack(par []float64, p int, constrainD bool) (*mat.TriDense, []float64) {
	L := unpackL(par, p)
	d := make([]float64, p)
	rawSignal(d, par, p)
	if constrainD {
		for i := range d {
			d[i] = sigmoid(d[i])
		}
	}
	return L, d
}

func unpackL(par []float64, p int) *mat.TriDense {
	L := mat.NewTriDense(p, mat.Lower, nil)
	k := 0
	for j := 0; j < p; j++ {
		for i := j; i < p; i++ {
			L.SetTri(i, j, par[k])
			k++
		}
	}
	return L
}

// rawSignal copies the signal block of par, untransformed, into dst.
func rawSignal(dst, par []float64, p int) {
	copy(dst, par[p*(p+1)/2:])
}

// crossProduct returns R = L'L.
func crossProduct(L mat.Matrix) *mat.SymDense {
	p, _ := L.Dims()
	R := mat.NewSymDense(p, nil)
	R.SymOuterK(1, L.T())
	return R
}

func logit(x float64) float64 {
	return math.Log(x / (1 - x))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
