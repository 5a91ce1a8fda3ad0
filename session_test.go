package corphylo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestInitialPar(t *testing.T) {
	data := twoTraitData(t, 15, 11)
	s, err := NewSession(data, quietConfig())
	require.NoError(t, err)

	n, p := s.Dims()
	assert.Equal(t, 15, n)
	assert.Equal(t, 2, p)
	require.Len(t, s.Par0, numPar(2))
	assert.Equal(t, []float64{initialSignal, initialSignal}, s.Par0[3:])

	// Standardized traits have unit variance, so LL' has a unit diagonal and
	// the sample correlation off it.
	L, _ := Unpack(s.Par0, p, false)
	var cov mat.Dense
	cov.Mul(L, L.T())
	assert.InDelta(t, 1, cov.At(0, 0), 1e-10)
	assert.InDelta(t, 1, cov.At(1, 1), 1e-10)
	corr := stat.Correlation(mat.Col(nil, 0, data.X), mat.Col(nil, 1, data.X), nil)
	assert.InDelta(t, corr, cov.At(1, 0), 1e-10)
}

func TestOLSResidualsCollinear(t *testing.T) {
	y := mat.NewVecDense(5, []float64{1, 4, 2, 8, 5})
	X := mat.NewDense(5, 2, []float64{
		1, 1,
		1, 1,
		1, 1,
		1, 1,
		1, 1,
	})

	res, err := olsResiduals(X, y)
	require.NoError(t, err)

	mean := stat.Mean(y.RawVector().Data, nil)
	for i := 0; i < 5; i++ {
		assert.InDelta(t, y.AtVec(i)-mean, res.AtVec(i), 1e-10)
	}
	assert.InDelta(t, 0, floats.Sum(res.RawVector().Data), 1e-10)
}

func TestOLSResidualsFullRank(t *testing.T) {
	X := mat.NewDense(4, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
		1, 3,
	})
	y := mat.NewVecDense(4, []float64{1, 3, 5, 7})

	res, err := olsResiduals(X, y)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 0, res.AtVec(i), 1e-10)
	}
}

func TestReplicateSessionSharesDesign(t *testing.T) {
	data := twoTraitData(t, 12, 5)
	U := mat.NewDense(12, 1, nil)
	for r := 0; r < 12; r++ {
		U.Set(r, 0, float64(r%4))
	}
	data.U = []*mat.Dense{U, nil}

	parent, err := NewSession(data, quietConfig())
	require.NoError(t, err)

	X := mat.DenseCopyOf(data.X)
	X.Set(0, 0, X.At(0, 0)+1)
	child, err := newReplicateSession(X, parent, "bootstrap replicate 0")
	require.NoError(t, err)

	assert.Same(t, parent.UU, child.UU)
	assert.Same(t, parent.Vphy, child.Vphy)
	assert.Equal(t, parent.cols, child.cols)
	assert.Equal(t, parent.MM, child.MM)
	assert.NotEqual(t, parent.XX.RawVector().Data, child.XX.RawVector().Data)

	constant := mat.NewDense(12, 2, nil)
	_, err = newReplicateSession(constant, parent, "bootstrap replicate 1")
	assert.ErrorIs(t, err, ErrConstantTrait)
	assert.ErrorContains(t, err, "bootstrap replicate 1")
}
