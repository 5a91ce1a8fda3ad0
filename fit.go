package corphylo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OptimizeOptions derives the optimizer settings for cfg. seed feeds the
// stochastic global pass of the "sann" method.
func (c *Config) OptimizeOptions(seed uint64) OptimizeOptions {
	return OptimizeOptions{
		Algorithm: c.Method,
		RelTol:    c.RelTol,
		AbsTol:    c.AbsTol,
		MaxIter:   c.MaxIter,
		Anneal:    c.Anneal,
		Seed:      seed,
	}
}

// Fit minimizes the session's objective from Par0 and stores the optimum,
// its value, the number of evaluations and the convergence code.
//
// The "sann" method runs in two stages: a stochastic global pass followed by
// a Nelder-Mead refinement started from its solution. Non-convergence is not
// an error; it shows up as a nonzero ConvCode.
func (s *Session) Fit(ctx context.Context, opt Optimizer, opts OptimizeOptions) error {
	ctx, span := tracer.Start(ctx, "corphylo.Fit",
		trace.WithAttributes(
			attribute.String("fit.method", opts.Algorithm),
			attribute.Int("fit.taxa", s.n),
			attribute.Int("fit.traits", s.p),
			attribute.Bool("fit.reml", s.REML),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context canceled")
		return err
	}

	start := time.Now()
	res, err := opt.Minimize(s.Objective, s.Par0, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("fit: %w", err)
	}
	iterations := res.Iterations

	if opts.Algorithm == MethodSann {
		refine := opts
		refine.Algorithm = MethodNelderMeadR
		res, err = opt.Minimize(s.Objective, res.Solution, refine)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("fit: refinement: %w", err)
		}
		iterations += res.Iterations
	}

	s.MinPar = res.Solution
	s.Value = res.Value
	s.Iterations = iterations
	s.ConvCode = res.Status

	elapsed := time.Since(start)
	s.metrics.recordFit(opts.Algorithm, s.ConvCode, elapsed.Seconds())
	span.SetAttributes(
		attribute.Float64("fit.value", s.Value),
		attribute.Int("fit.iterations", s.Iterations),
		attribute.Int("fit.conv_code", s.ConvCode),
	)

	attrs := []any{
		slog.String("method", opts.Algorithm),
		slog.Float64("value", s.Value),
		slog.Int("iterations", s.Iterations),
		slog.Int("conv_code", s.ConvCode),
		slog.Duration("elapsed", elapsed),
	}
	switch {
	case s.ConvCode != 0:
		s.logger.Warn("optimizer did not converge", attrs...)
	case s.Verbose:
		s.logger.Info("optimizer finished", attrs...)
	default:
		s.logger.Debug("optimizer finished", attrs...)
	}
	return nil
}
