// Command corphylo fits phylogenetic trait correlations from CSV inputs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/corphylo/corphylo"
)

var (
	xPath      string
	mPath      string
	vphyPath   string
	uPaths     []string
	configPath string
	outDir     string
	method     string
	boot       int
	seed       int64
	workers    int
	keepBoots  string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "corphylo",
		Short: "Estimate correlations between traits evolving along a phylogeny",
		Long: `corphylo fits an Ornstein-Uhlenbeck model of correlated trait evolution
by (restricted) maximum likelihood and optionally runs a parametric bootstrap.

Every input is a CSV file with a header row. Rows of the trait, error and
covariate files must follow the row order of the phylogenetic covariance.`,
		SilenceUsage: true,
		RunE:         runFit,
	}
)

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&xPath, "x", "x", "", "n x p trait values (required)")
	f.StringVar(&vphyPath, "vphy", "", "n x n phylogenetic covariance (required)")
	f.StringVarP(&mPath, "m", "m", "", "n x p standard errors of the trait values")
	f.StringArrayVarP(&uPaths, "u", "u", nil, "covariates of one trait, in trait order; repeat per trait, \"-\" for none")
	f.StringVarP(&configPath, "config", "c", "", "YAML config file")
	f.StringVarP(&outDir, "out", "o", "", "directory for result CSV files")
	f.StringVar(&method, "method", "", "optimization method (overrides config)")
	f.IntVar(&boot, "boot", -1, "bootstrap replicates (overrides config)")
	f.Int64Var(&seed, "seed", 0, "random seed (overrides config when nonzero)")
	f.IntVar(&workers, "workers", -1, "concurrent bootstrap replicates (overrides config)")
	f.StringVar(&keepBoots, "keep-boots", "", "retain bootstrap data: none, fail or all (overrides config)")
	f.BoolVarP(&verbose, "verbose", "v", false, "log every objective evaluation")
	_ = rootCmd.MarkFlagRequired("x")
	_ = rootCmd.MarkFlagRequired("vphy")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runFit(cmd *cobra.Command, args []string) error {
	cfg, err := corphylo.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if method != "" {
		cfg.Method = method
	}
	if boot >= 0 {
		cfg.Boot = boot
	}
	if seed != 0 {
		cfg.Seed = seed
	}
	if workers >= 0 {
		cfg.Workers = workers
	}
	if keepBoots != "" {
		cfg.KeepBoots = corphylo.KeepPolicy(keepBoots)
	}
	if verbose {
		cfg.Verbose = true
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	cfg.Logger = logger

	reg := prometheus.NewRegistry()
	cfg.Metrics = corphylo.NewMetrics(reg)

	data, err := loadData()
	if err != nil {
		return err
	}

	res, err := corphylo.CorPhylo(cmd.Context(), data, cfg)
	if err != nil {
		return err
	}
	corphylo.PrintResult(cmd.OutOrStdout(), res)
	logMetrics(logger, reg)

	if outDir == "" {
		return nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(outDir, "corphylo_results.csv")
	if err := corphylo.OutputResultToCSV(path, res); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	logger.Info("results written", slog.String("path", path))

	if res.Bootstrap != nil {
		path = filepath.Join(outDir, "corphylo_bootstrap.csv")
		if err := corphylo.OutputBootstrapToCSV(path, res.Bootstrap); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		logger.Info("bootstrap written", slog.String("path", path))
	}
	return nil
}

func loadData() (corphylo.Data, error) {
	var data corphylo.Data

	X, names, err := corphylo.LoadCSVMatrix(xPath)
	if err != nil {
		return data, fmt.Errorf("traits: %w", err)
	}
	data.X = X
	data.TraitNames = names

	if data.Vphy, _, err = corphylo.LoadCSVMatrix(vphyPath); err != nil {
		return data, fmt.Errorf("phylogenetic covariance: %w", err)
	}

	if mPath != "" {
		if data.M, _, err = corphylo.LoadCSVMatrix(mPath); err != nil {
			return data, fmt.Errorf("measurement error: %w", err)
		}
	}

	if len(uPaths) > 0 {
		data.U = make([]*mat.Dense, len(uPaths))
		data.CovariateNames = make([][]string, len(uPaths))
		for i, p := range uPaths {
			if p == "-" {
				continue
			}
			if data.U[i], data.CovariateNames[i], err = corphylo.LoadCSVMatrix(p); err != nil {
				return data, fmt.Errorf("covariates of trait %d: %w", i, err)
			}
		}
	}
	return data, nil
}

// logMetrics writes the collected counters to the log.
func logMetrics(logger *slog.Logger, reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		logger.Warn("gather metrics", slog.String("error", err.Error()))
		return
	}
	for _, mf := range mfs {
		var total float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
		if total > 0 {
			logger.Info("metric", slog.String("name", mf.GetName()), slog.Float64("total", total))
		}
	}
}
