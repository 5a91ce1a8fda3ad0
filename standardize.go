package corphylo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Standardized holds standardized copies of the raw inputs together with the
// factors needed to undo the standardization.
type Standardized struct {
	X *mat.Dense
	U []*mat.Dense
	M *mat.Dense

	Scaling Scaling
}

// Standardize returns copies of X, U and M where every trait column has mean 0
// and standard deviation 1 and every covariate column has mean 0 and, when it is
// not constant, standard deviation 1. Each column of M is divided by the
// standard deviation of the matching trait column, never by a covariate's.
// The inputs are not modified.
func Standardize(X *mat.Dense, U []*mat.Dense, M *mat.Dense) (*Standardized, error) {
	if X == nil {
		return nil, fmt.Errorf("standardize: %w", ErrEmptyInput)
	}
	n, p := X.Dims()
	if n < 2 || p == 0 {
		return nil, fmt.Errorf("standardize: need at least 2 taxa and 1 trait, got %dx%d: %w", n, p, ErrEmptyInput)
	}
	if M != nil {
		if mr, mc := M.Dims(); mr != n || mc != p {
			return nil, fmt.Errorf("standardize: M is %dx%d, X is %dx%d: %w", mr, mc, n, p, ErrDimensionMismatch)
		}
	}
	if len(U) != 0 && len(U) != p {
		return nil, fmt.Errorf("standardize: %d covariate matrices for %d traits: %w", len(U), p, ErrDimensionMismatch)
	}

	out := &Standardized{
		X: mat.NewDense(n, p, nil),
		M: mat.NewDense(n, p, nil),
		U: make([]*mat.Dense, p),
		Scaling: Scaling{
			MeanX: make([]float64, p),
			SDX:   make([]float64, p),
			MeanU: make([][]float64, p),
			SDU:   make([][]float64, p),
		},
	}

	col := make([]float64, n)
	for i := 0; i < p; i++ {
		mat.Col(col, i, X)
		mean, sd := stat.MeanStdDev(col, nil)
		if sd == 0 || math.IsNaN(sd) {
			return nil, fmt.Errorf("standardize: trait %d: %w", i, ErrConstantTrait)
		}
		out.Scaling.MeanX[i] = mean
		out.Scaling.SDX[i] = sd
		for r := 0; r < n; r++ {
			out.X.Set(r, i, (col[r]-mean)/sd)
			if M != nil {
				out.M.Set(r, i, M.At(r, i)/sd)
			}
		}
	}

	for i := 0; i < len(U); i++ {
		if U[i] == nil {
			continue
		}
		ur, uc := U[i].Dims()
		if ur != n {
			return nil, fmt.Errorf("standardize: covariates of trait %d have %d rows, want %d: %w", i, ur, n, ErrDimensionMismatch)
		}
		Us := mat.NewDense(n, uc, nil)
		out.Scaling.MeanU[i] = make([]float64, uc)
		out.Scaling.SDU[i] = make([]float64, uc)
		for j := 0; j < uc; j++ {
			mat.Col(col, j, U[i])
			mean, sd := stat.MeanStdDev(col, nil)
			out.Scaling.MeanU[i][j] = mean
			out.Scaling.SDU[i][j] = sd
			for r := 0; r < n; r++ {
				v := col[r] - mean
				if sd > 0 {
					v /= sd
				}
				Us.Set(r, j, v)
			}
		}
		out.U[i] = Us
	}

	return out, nil
}

// normalizeVphy scales Vphy by its maximum and then so that its log-determinant
// is zero, which makes signal estimates comparable across trees.
func normalizeVphy(Vphy *mat.Dense) (*mat.Dense, error) {
	if Vphy == nil {
		return nil, fmt.Errorf("normalize Vphy: %w", ErrEmptyInput)
	}
	n, c := Vphy.Dims()
	if n != c {
		return nil, fmt.Errorf("normalize Vphy: matrix is %dx%d: %w", n, c, ErrDimensionMismatch)
	}
	vmax := mat.Max(Vphy)
	if vmax <= 0 {
		return nil, fmt.Errorf("normalize Vphy: %w", ErrNotPositiveDefinite)
	}
	out := mat.NewDense(n, n, nil)
	out.Scale(1/vmax, Vphy)

	logDet, sign := mat.LogDet(out)
	if sign <= 0 || math.IsInf(logDet, 0) || math.IsNaN(logDet) {
		return nil, fmt.Errorf("normalize Vphy: %w", ErrNotPositiveDefinite)
	}
	out.Scale(1/math.Exp(logDet/float64(n)), out)
	return out, nil
}

// makeTau derives the independent-evolution time matrix,
// tau[i,j] = Vphy[j,j] - Vphy[i,j].
func makeTau(Vphy *mat.Dense) *mat.Dense {
	n, _ := Vphy.Dims()
	tau := mat.NewDense(n, n, nil)
	tau.Apply(func(i, j int, v float64) float64 {
		return Vphy.At(j, j) - v
	}, Vphy)
	return tau
}

// buildDesign expands the intercept-per-trait structure kron(I_p, 1_n) and
// appends every non-constant covariate column, block-placed on its trait's
// rows. Constant covariates are dropped.
func buildDesign(n, p int, Us []*mat.Dense, sdU [][]float64) (*mat.Dense, []designColumn) {
	cols := make([]designColumn, 0, p)
	for i := 0; i < p; i++ {
		cols = append(cols, designColumn{Trait: i, Covariate: -1})
	}
	for i := 0; i < len(Us); i++ {
		if Us[i] == nil {
			continue
		}
		_, uc := Us[i].Dims()
		for j := 0; j < uc; j++ {
			if sdU[i][j] > 0 {
				cols = append(cols, designColumn{Trait: i, Covariate: j})
			}
		}
	}

	UU := mat.NewDense(n*p, len(cols), nil)
	for k, dc := range cols {
		for r := 0; r < n; r++ {
			v := 1.0
			if dc.Covariate >= 0 {
				v = Us[dc.Trait].At(r, dc.Covariate)
			}
			UU.Set(dc.Trait*n+r, k, v)
		}
	}
	return UU, cols
}

// flatten stacks the columns of a into a single vector.
func flatten(a mat.Matrix) *mat.VecDense {
	n, p := a.Dims()
	v := mat.NewVecDense(n*p, nil)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			v.SetVec(j*n+i, a.At(i, j))
		}
	}
	return v
}

// flattenSquared is flatten of the element-wise square of a.
func flattenSquared(a mat.Matrix) []float64 {
	n, p := a.Dims()
	out := make([]float64, n*p)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			v := a.At(i, j)
			out[j*n+i] = v * v
		}
	}
	return out
}
