package corphylo

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrEmptyInput          = errors.New("corphylo: empty input")
	ErrDimensionMismatch   = errors.New("corphylo: dimension mismatch")
	ErrNotPositiveDefinite = errors.New("corphylo: matrix is not positive definite")
	ErrUnknownMethod       = errors.New("corphylo: unknown optimization method")
	ErrInvalidConfig       = errors.New("corphylo: invalid config")
	ErrConstantTrait       = errors.New("corphylo: trait has zero variance")
)

// safeCholesky factorizes a and returns the lower-triangular factor L with
// a = L L'. stage names the step that needed it, so a failure tells the caller
// whether the input data or a bootstrap replicate was unusable.
func safeCholesky(a mat.Symmetric, stage string) (*mat.TriDense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, fmt.Errorf("%s: %w", stage, ErrNotPositiveDefinite)
	}
	n := a.SymmetricDim()
	L := mat.NewTriDense(n, mat.Lower, nil)
	chol.LTo(L)
	return L, nil
}

// symmetrize returns (a + a')/2 as a SymDense.
func symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s
}
