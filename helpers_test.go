package corphylo

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// ============================================================================
// HELPER FUNCTIONS
// ============================================================================

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// ReadDirectory reads all files in a directory
func ReadDirectory(directory string) []os.DirEntry {
	files, err := os.ReadDir(directory)
	if err != nil {
		panic(fmt.Sprintf("Error reading directory %s: %v", directory, err))
	}
	return files
}

// skipComments reads lines from scanner, skipping comment lines starting with #
func skipComments(scanner *bufio.Scanner) string {
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return ""
}

// quietConfig is DefaultConfig with logging discarded.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

// caterpillarVphy returns the covariance of a ladder-shaped tree of unit
// depth: taxon i splits from the backbone at time i/n.
func caterpillarVphy(n int) *mat.Dense {
	V := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				V.Set(i, j, 1)
				continue
			}
			V.Set(i, j, float64(min(i, j))/float64(n))
		}
	}
	return V
}

// simulateTraits draws n x p traits from the model with correlation factor
// R, signal d and per-trait means on the tree Vphy.
func simulateTraits(t *testing.T, rng *rand.Rand, Vphy *mat.Dense, R *mat.SymDense, d, means []float64) *mat.Dense {
	t.Helper()

	nV, err := normalizeVphy(Vphy)
	require.NoError(t, err)
	n, _ := nV.Dims()
	p := len(d)

	C := BuildC(d, R, makeTau(nV), nV)
	L, err := safeCholesky(symmetrize(C), "simulate")
	require.NoError(t, err)

	z := mat.NewVecDense(n*p, nil)
	for i := 0; i < n*p; i++ {
		z.SetVec(i, rng.NormFloat64())
	}
	var e mat.VecDense
	e.MulVec(L, z)

	X := mat.NewDense(n, p, nil)
	for i := 0; i < p; i++ {
		for r := 0; r < n; r++ {
			X.Set(r, i, means[i]+e.AtVec(i*n+r))
		}
	}
	return X
}

// twoTraitData simulates the two-trait scenario used across tests: moderate
// positive correlation and different signal strengths, no covariates and no
// measurement error.
func twoTraitData(t *testing.T, n int, seed uint64) Data {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	Vphy := caterpillarVphy(n)
	R := mat.NewSymDense(2, []float64{
		1, 0.6,
		0.6, 1,
	})
	X := simulateTraits(t, rng, Vphy, R, []float64{0.3, 0.7}, []float64{2, -1})
	return Data{
		X:    X,
		M:    mat.NewDense(n, 2, nil),
		Vphy: Vphy,
	}
}
