// Package corphylo estimates correlations between continuous traits measured
// across related species. Traits evolve along a phylogeny under an
// Ornstein-Uhlenbeck process with a per-trait phylogenetic signal, optionally
// depend on trait-specific covariates and may carry known measurement error.
//
// Parameters are fitted by (restricted) maximum likelihood with a
// derivative-free optimizer. A parametric bootstrap gives confidence
// intervals for the correlations, signals and coefficients.
package corphylo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("corphylo")

// CorPhylo fits the model to data and, when cfg.Boot > 0, bootstraps it.
// Structural problems with the inputs are returned as errors; a fit that does
// not converge is reported through Result.ConvCode.
func CorPhylo(ctx context.Context, data Data, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	cfg.Logger = cfg.logger().With(slog.String("run_id", runID))

	ctx, span := tracer.Start(ctx, "corphylo.CorPhylo",
		trace.WithAttributes(
			attribute.String("corphylo.run_id", runID),
			attribute.String("corphylo.method", cfg.Method),
		),
	)
	defer span.End()

	start := time.Now()
	s, err := NewSession(data, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	n, p := s.Dims()
	cfg.Logger.Info("fit started",
		slog.Int("taxa", n),
		slog.Int("traits", p),
		slog.String("method", cfg.Method),
		slog.Bool("reml", cfg.REML),
		slog.Bool("constrain_d", cfg.ConstrainD),
	)

	opt := cfg.optimizer()
	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if err := s.Fit(ctx, opt, cfg.OptimizeOptions(seed)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("model fitting: %w", err)
	}

	est, err := s.Extract()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("model fitting: %w", err)
	}
	logLik, aic, bic := s.InformationCriteria()

	res := &Result{
		RunID:      runID,
		Corrs:      est.Corrs,
		D:          est.D,
		B:          est.B,
		BCov:       est.BCov,
		LogLik:     logLik,
		AIC:        aic,
		BIC:        bic,
		Iterations: s.Iterations,
		ConvCode:   s.ConvCode,
	}
	cfg.Logger.Info("fit finished",
		slog.Float64("logLik", logLik),
		slog.Int("conv_code", s.ConvCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	if cfg.Boot > 0 {
		res.Bootstrap, err = s.Bootstrap(ctx, opt, cfg)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}
