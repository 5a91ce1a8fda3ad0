package corphylo

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCorPhyloTwoTraits(t *testing.T) {
	data := twoTraitData(t, 20, 1)

	cfg := quietConfig()
	cfg.REML = true
	cfg.ConstrainD = true
	cfg.Method = MethodNelderMeadR
	cfg.MaxIter = 500

	res, err := CorPhylo(context.Background(), data, cfg)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ConvCode)
	assert.Positive(t, res.Iterations)
	assert.NotEmpty(t, res.RunID)
	assert.Nil(t, res.Bootstrap)

	p, _ := res.Corrs.Dims()
	require.Equal(t, 2, p)
	for i := 0; i < p; i++ {
		assert.InDelta(t, 1, res.Corrs.At(i, i), 1e-12)
		for j := 0; j < p; j++ {
			assert.LessOrEqual(t, math.Abs(res.Corrs.At(i, j)), 1+1e-12)
			assert.InDelta(t, res.Corrs.At(i, j), res.Corrs.At(j, i), 1e-12)
		}
	}

	require.Len(t, res.D, 2)
	for _, d := range res.D {
		assert.Greater(t, d, 0.0)
		assert.Less(t, d, 1.0)
	}

	require.Len(t, res.B, 2)
	assert.Equal(t, "par_0", res.B[0].Name)
	assert.Equal(t, "par_1", res.B[1].Name)
	for _, c := range res.B {
		assert.Positive(t, c.SE)
		assert.GreaterOrEqual(t, c.P, 0.0)
		assert.LessOrEqual(t, c.P, 1.0)
	}
	r, c := res.BCov.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)

	// k = parameter count + design columns
	k := float64(numPar(2) + 2)
	n := 20.0
	assert.InDelta(t, res.AIC, res.BIC-k*math.Log(n/math.Pi)+2*k, 1e-9)
	assert.InDelta(t, -2*res.LogLik+2*k, res.AIC, 1e-9)
}

func TestCorPhyloWithCovariates(t *testing.T) {
	data := twoTraitData(t, 20, 4)
	u := mat.NewDense(20, 2, nil)
	for r := 0; r < 20; r++ {
		u.Set(r, 0, math.Sin(float64(r)))
		u.Set(r, 1, 3) // constant, dropped from the design
	}
	data.U = []*mat.Dense{nil, u}
	data.TraitNames = []string{"mass", "length"}
	data.CovariateNames = [][]string{nil, {"temp", "const"}}

	res, err := CorPhylo(context.Background(), data, quietConfig())
	require.NoError(t, err)

	require.Len(t, res.B, 3)
	assert.Equal(t, "mass", res.B[0].Name)
	assert.Equal(t, "length", res.B[1].Name)
	assert.Equal(t, "length_temp", res.B[2].Name)
	r, _ := res.BCov.Dims()
	assert.Equal(t, 3, r)
}

func TestCorPhyloMethods(t *testing.T) {
	if testing.Short() {
		t.Skip("fits every method")
	}
	data := twoTraitData(t, 15, 2)

	for _, method := range []string{MethodNelderMeadR, MethodNelderMeadNlopt, MethodSubplex, MethodBobyqa, MethodSann} {
		t.Run(method, func(t *testing.T) {
			cfg := quietConfig()
			cfg.Method = method
			cfg.Seed = 9
			cfg.Anneal.MaxIter = 300

			res, err := CorPhylo(context.Background(), data, cfg)
			require.NoError(t, err)
			assert.False(t, math.IsNaN(res.LogLik))
			assert.Positive(t, res.Iterations)
			for _, d := range res.D {
				assert.False(t, math.IsNaN(d))
			}
		})
	}
}

func TestCorPhyloInputErrors(t *testing.T) {
	data := twoTraitData(t, 10, 3)

	_, err := CorPhylo(context.Background(), Data{X: data.X}, quietConfig())
	assert.ErrorIs(t, err, ErrEmptyInput)

	bad := data
	bad.Vphy = caterpillarVphy(9)
	_, err = CorPhylo(context.Background(), bad, quietConfig())
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.ErrorContains(t, err, "model fitting")

	bad = data
	bad.X = mat.DenseCopyOf(data.X)
	for r := 0; r < 10; r++ {
		bad.X.Set(r, 1, 4)
	}
	_, err = CorPhylo(context.Background(), bad, quietConfig())
	assert.ErrorIs(t, err, ErrConstantTrait)

	cfg := quietConfig()
	cfg.Method = "lbfgs"
	_, err = CorPhylo(context.Background(), data, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
