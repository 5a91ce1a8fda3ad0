package corphylo

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// BuildC assembles the (n*p) x (n*p) trait-by-taxon covariance. Block (i,j) is
// R[i,j] times the Ornstein-Uhlenbeck kernel of traits i and j:
//
//	d_i^tau[a,b] * d_j^tau[b,a] * (1 - (d_i*d_j)^Vphy[a,b]) / (1 - d_i*d_j)
//
// No validity checks are made here; non-finite entries are left for the
// caller to detect.
func BuildC(d []float64, R mat.Matrix, tau, Vphy mat.Matrix) *mat.Dense {
	n, _ := Vphy.Dims()
	p := len(d)
	C := mat.NewDense(n*p, n*p, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			rij := R.At(i, j)
			dij := d[i] * d[j]
			denom := 1 - dij
			for a := 0; a < n; a++ {
				for b := 0; b < n; b++ {
					v := math.Pow(d[i], tau.At(a, b)) * math.Pow(d[j], tau.At(b, a)) *
						(1 - math.Pow(dij, Vphy.At(a, b)))
					C.Set(i*n+a, j*n+b, rij*v/denom)
				}
			}
		}
	}
	return C
}

// AddNoise returns C with the flattened squared measurement errors added to
// its diagonal.
func AddNoise(C mat.Matrix, MM []float64) *mat.Dense {
	V := mat.DenseCopyOf(C)
	for i, m := range MM {
		V.Set(i, i, V.At(i, i)+m)
	}
	return V
}

// addScalarNoise returns C with a single measurement variance added to every
// diagonal element.
func addScalarNoise(C mat.Matrix, m float64) *mat.Dense {
	V := mat.DenseCopyOf(C)
	r, _ := V.Dims()
	for i := 0; i < r; i++ {
		V.Set(i, i, V.At(i, i)+m)
	}
	return V
}

// MakeCorrs rescales R to a correlation matrix, Rd R Rd with
// Rd = diag(diag(R)^-1/2).
func MakeCorrs(R mat.Matrix) *mat.Dense {
	p, _ := R.Dims()
	rd := make([]float64, p)
	for i := range rd {
		rd[i] = math.Pow(R.At(i, i), -0.5)
	}
	corrs := mat.NewDense(p, p, nil)
	corrs.Apply(func(i, j int, v float64) float64 {
		return rd[i] * v * rd[j]
	}, R)
	return corrs
}
