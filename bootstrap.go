package corphylo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// convExtractFailed is the convergence code of a replicate whose estimates
// could not be extracted.
const convExtractFailed = -2

// bootMats holds what every replicate of a parametric bootstrap shares.
type bootMats struct {
	parent *Session
	// Lower Cholesky factor of the fitted covariance
	iD *mat.TriDense
	// n x p noise-free prediction on the scale of the raw traits
	XPred *mat.Dense
}

// newBootMats factorizes the fitted covariance and computes the predicted
// traits every replicate perturbs. The generator is built from the covariance
// the likelihood was maximized over, with the per-observation measurement
// error; the prediction uses the same coefficients Extract reports.
func newBootMats(s *Session) (*bootMats, error) {
	const stage = "bootstrapping-matrices setup"
	if s.MinPar == nil {
		return nil, fmt.Errorf("%s: %w", stage, errNotFitted)
	}

	R, d, fit, err := s.outputFit()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	V := AddNoise(BuildC(d, R, s.tau, s.Vphy), s.MM)
	iD, err := safeCholesky(symmetrize(V), stage)
	if err != nil {
		return nil, err
	}
	var pred mat.VecDense
	pred.MulVec(s.UU, fit.B0)

	XPred := mat.NewDense(s.n, s.p, nil)
	for i := 0; i < s.p; i++ {
		mean, sd := s.scaling.MeanX[i], s.scaling.SDX[i]
		for r := 0; r < s.n; r++ {
			XPred.Set(r, i, mean+sd*pred.AtVec(i*s.n+r))
		}
	}
	return &bootMats{parent: s, iD: iD, XPred: XPred}, nil
}

// simulate draws one synthetic trait matrix: the prediction plus correlated
// normal noise, each trait's noise scaled by the raw trait's standard
// deviation.
func (bm *bootMats) simulate(rng *rand.Rand) *mat.Dense {
	n, p := bm.parent.n, bm.parent.p
	z := mat.NewVecDense(n*p, nil)
	for i := 0; i < n*p; i++ {
		z.SetVec(i, rng.NormFloat64())
	}
	var e mat.VecDense
	e.MulVec(bm.iD, z)
	noise := e.RawVector().Data

	X := mat.NewDense(n, p, nil)
	col := make([]float64, n)
	for i := 0; i < p; i++ {
		mat.Col(col, i, bm.XPred)
		floats.AddScaled(col, bm.parent.scaling.SDX[i], noise[i*n:(i+1)*n])
		X.SetCol(i, col)
	}
	return X
}

// Bootstrap runs cfg.Boot parametric bootstrap replicates of the fitted
// session. Each replicate simulates traits from the fitted model, refits
// them and extracts estimates into its own slot of the result.
//
// Replicates run concurrently on up to cfg.Workers goroutines when opt is
// reentrant and one at a time otherwise. Seeds are drawn up front from
// cfg.Seed, so the output does not depend on scheduling. When ctx is
// cancelled no new replicates start; the partial result is returned with
// Cancelled set and a nil error. A replicate whose refit cannot be turned
// into estimates is kept as failed with NaN estimates and code
// convExtractFailed.
func (s *Session) Bootstrap(ctx context.Context, opt Optimizer, cfg Config) (*BootstrapResult, error) {
	nboot := cfg.Boot
	if nboot <= 0 {
		return nil, fmt.Errorf("bootstrap: %d replicates: %w", nboot, ErrInvalidConfig)
	}

	ctx, span := tracer.Start(ctx, "corphylo.Bootstrap",
		trace.WithAttributes(
			attribute.Int("bootstrap.replicates", nboot),
			attribute.String("bootstrap.keep", string(cfg.KeepBoots)),
		),
	)
	defer span.End()

	bm, err := newBootMats(s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	k := len(s.cols)
	out := &BootstrapResult{
		Corrs:     make([]*mat.Dense, nboot),
		D:         mat.NewDense(s.p, nboot, nil),
		B0:        mat.NewDense(k, nboot, nil),
		BCov:      make([]*mat.Dense, nboot),
		Codes:     make([]int, nboot),
		Data:      make([]*mat.Dense, nboot),
		Completed: make([]bool, nboot),
	}

	// Per-replicate seeds so no RNG is shared across goroutines
	var masterSeed uint64
	if cfg.Seed != 0 {
		masterSeed = uint64(cfg.Seed)
	} else {
		masterSeed = uint64(time.Now().UnixNano())
	}
	masterRng := rand.New(rand.NewPCG(masterSeed, masterSeed>>1))
	seeds := make([]uint64, nboot)
	for b := range seeds {
		seeds[b] = masterRng.Uint64()
	}

	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if !opt.Reentrant() {
		numWorkers = 1
	}
	if numWorkers > nboot {
		numWorkers = nboot
	}

	s.logger.Info("bootstrap started",
		slog.Int("replicates", nboot),
		slog.Int("workers", numWorkers),
		slog.String("keep", string(cfg.KeepBoots)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(numWorkers)
	for b := 0; b < nboot; b++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return bm.replicate(gctx, b, seeds[b], opt, cfg, out)
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if ctx.Err() != nil {
		out.Cancelled = true
		span.SetStatus(codes.Error, "context canceled")
	}

	failed := out.Failed()
	completed := 0
	for _, c := range out.Completed {
		if c {
			completed++
		}
	}
	span.SetAttributes(
		attribute.Int("bootstrap.completed", completed),
		attribute.Int("bootstrap.failed", len(failed)),
	)
	s.logger.Info("bootstrap finished",
		slog.Int("completed", completed),
		slog.Int("failed", len(failed)),
		slog.Bool("cancelled", out.Cancelled),
	)
	return out, nil
}

// replicate simulates, refits and extracts replicate b into out.
func (bm *bootMats) replicate(ctx context.Context, b int, seed uint64, opt Optimizer, cfg Config, out *BootstrapResult) error {
	ctx, span := tracer.Start(ctx, "corphylo.Replicate",
		trace.WithAttributes(attribute.Int("bootstrap.replicate", b)),
	)
	defer span.End()

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	X := bm.simulate(rng)

	stage := fmt.Sprintf("bootstrap replicate %d", b)
	rs, err := newReplicateSession(X, bm.parent, stage)
	if err != nil {
		span.RecordError(err)
		return err
	}
	rs.logger = rs.logger.With(slog.Int("replicate", b))

	if err := rs.Fit(ctx, opt, cfg.OptimizeOptions(rng.Uint64())); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%s: %w", stage, err)
	}
	est, err := rs.Extract()
	if err != nil {
		span.RecordError(err)
		rs.logger.Warn("replicate estimates unavailable", slog.String("error", err.Error()))
		est = nanEstimates(rs.p, len(rs.cols))
		rs.ConvCode = convExtractFailed
	}

	failed := rs.ConvCode != 0
	bm.parent.metrics.recordReplicate(failed)
	span.SetAttributes(attribute.Int("fit.conv_code", rs.ConvCode))

	if cfg.KeepBoots == KeepAll || (cfg.KeepBoots == KeepFail && failed) {
		out.Data[b] = X
	}
	out.Corrs[b] = est.Corrs
	out.D.SetCol(b, est.D)
	for c, coef := range est.B {
		out.B0.Set(c, b, coef.Estimate)
	}
	out.BCov[b] = est.BCov
	out.Codes[b] = rs.ConvCode
	out.Completed[b] = true
	return nil
}

// nanEstimates stands in for the estimates of a replicate whose fitted
// covariance could not be inverted.
func nanEstimates(p, k int) *Estimates {
	nan := func(r, c int) *mat.Dense {
		m := mat.NewDense(r, c, nil)
		m.Apply(func(_, _ int, _ float64) float64 { return math.NaN() }, m)
		return m
	}
	est := &Estimates{
		Corrs: nan(p, p),
		D:     make([]float64, p),
		B:     make([]Coefficient, k),
		BCov:  nan(k, k),
	}
	for i := range est.D {
		est.D[i] = math.NaN()
	}
	for c := range est.B {
		v := math.NaN()
		est.B[c] = Coefficient{Estimate: v, SE: v, Z: v, P: v}
	}
	return est
}

// Failed returns the indices of completed replicates whose fit did not
// converge.
func (br *BootstrapResult) Failed() []int {
	var idx []int
	for b, done := range br.Completed {
		if done && br.Codes[b] != 0 {
			idx = append(idx, b)
		}
	}
	return idx
}

// CI computes two-sided percentile intervals at level 1-alpha over the
// completed replicates, skipping NaN estimates. An alpha outside (0,1) means
// 0.05.
func (br *BootstrapResult) CI(alpha float64) *BootstrapCI {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.05
	}
	lo, hi := alpha/2, 1-alpha/2

	var done []int
	for b, c := range br.Completed {
		if c {
			done = append(done, b)
		}
	}

	interval := func(rows, cols int, at func(b, i, j int) float64) Interval {
		iv := Interval{Lower: mat.NewDense(rows, cols, nil), Upper: mat.NewDense(rows, cols, nil)}
		samples := make([]float64, 0, len(done))
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				samples = samples[:0]
				for _, b := range done {
					if v := at(b, i, j); !math.IsNaN(v) {
						samples = append(samples, v)
					}
				}
				iv.Lower.Set(i, j, bootstrapQuantile(samples, lo))
				iv.Upper.Set(i, j, bootstrapQuantile(samples, hi))
			}
		}
		return iv
	}

	p, _ := br.D.Dims()
	k, _ := br.B0.Dims()
	return &BootstrapCI{
		Alpha: alpha,
		Corrs: interval(p, p, func(b, i, j int) float64 { return br.Corrs[b].At(i, j) }),
		D:     interval(p, 1, func(b, i, _ int) float64 { return br.D.At(i, b) }),
		B0:    interval(k, 1, func(b, i, _ int) float64 { return br.B0.At(i, b) }),
	}
}

// bootstrapQuantile returns the q-quantile of samples by linear
// interpolation between order statistics. NaN for no samples.
func bootstrapQuantile(samples []float64, q float64) float64 {
	n := len(samples)
	if n == 0 {
		return math.NaN()
	}

	tmp := make([]float64, n)
	copy(tmp, samples)
	sort.Float64s(tmp)

	if q <= 0 {
		return tmp[0]
	}
	if q >= 1 {
		return tmp[n-1]
	}

	pos := q * float64(n-1)
	idxBelow := int(math.Floor(pos))
	idxAbove := int(math.Ceil(pos))
	if idxAbove == idxBelow {
		return tmp[idxBelow]
	}

	weight := pos - float64(idxBelow)
	return tmp[idxBelow]*(1.0-weight) + tmp[idxAbove]*weight
}
