package corphylo

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomLower(rng *rand.Rand, p int) *mat.TriDense {
	L := mat.NewTriDense(p, mat.Lower, nil)
	for i := 0; i < p; i++ {
		for j := 0; j <= i; j++ {
			L.SetTri(i, j, rng.NormFloat64())
		}
	}
	return L
}

func TestPackLayout(t *testing.T) {
	L := mat.NewTriDense(3, mat.Lower, []float64{
		1, 0, 0,
		2, 4, 0,
		3, 5, 6,
	})
	par := Pack(L, []float64{0.1, 0.2, 0.3}, false)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 0.1, 0.2, 0.3}, par)
}

func TestCodecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for p := 1; p <= 5; p++ {
		L := randomLower(rng, p)

		t.Run("unconstrained", func(t *testing.T) {
			d := make([]float64, p)
			for i := range d {
				d[i] = 4 * rng.NormFloat64()
			}
			gotL, gotD := Unpack(Pack(L, d, false), p, false)
			assert.True(t, mat.Equal(L, gotL), "L changed for p=%d", p)
			assert.Equal(t, d, gotD)
		})

		t.Run("constrained", func(t *testing.T) {
			d := make([]float64, p)
			for i := range d {
				d[i] = 0.01 + 0.98*rng.Float64()
			}
			gotL, gotD := Unpack(Pack(L, d, true), p, true)
			assert.True(t, mat.Equal(L, gotL), "L changed for p=%d", p)
			assert.InDeltaSlice(t, d, gotD, 1e-12)
		})
	}

	// logit(0.5) is exactly 0, so this one is bit-exact.
	L := randomLower(rng, 2)
	_, gotD := Unpack(Pack(L, []float64{0.5, 0.5}, true), 2, true)
	assert.Equal(t, []float64{0.5, 0.5}, gotD)
}

func TestNumTraits(t *testing.T) {
	for p := 1; p <= 6; p++ {
		got, err := numTraits(numPar(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := numTraits(4)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestCrossProduct(t *testing.T) {
	L := mat.NewTriDense(2, mat.Lower, []float64{
		1, 0,
		2, 3,
	})
	R := crossProduct(L)
	// L'L = [[1,2],[0,3]] * [[1,0],[2,3]]
	want := mat.NewDense(2, 2, []float64{
		5, 6,
		6, 9,
	})
	assert.True(t, mat.EqualApprox(R, want, 1e-12))
}
