package corphylo

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// configValidate is the validator instance shared by Config values.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// Config controls a fit and its optional bootstrap.
type Config struct {
	// Restricted maximum likelihood when true, maximum likelihood otherwise
	REML bool `yaml:"reml"`
	// Keep the signal strengths in (0,1) via a logit transform
	ConstrainD bool `yaml:"constrain_d"`
	// Log every objective evaluation at Debug level
	Verbose bool `yaml:"verbose"`

	Method  string        `yaml:"method" validate:"oneof=nelder-mead-r nelder-mead-nlopt subplex bobyqa sann"`
	RelTol  float64       `yaml:"rel_tol" validate:"gt=0"`
	AbsTol  float64       `yaml:"abs_tol" validate:"gte=0"`
	MaxIter int           `yaml:"max_iter" validate:"gt=0"`
	Anneal  AnnealOptions `yaml:"anneal"`

	// Number of parametric bootstrap replicates, 0 disables the bootstrap
	Boot      int        `yaml:"boot" validate:"gte=0"`
	KeepBoots KeepPolicy `yaml:"keep_boots" validate:"oneof=none fail all"`
	// Master seed for the bootstrap and stochastic optimizers; 0 seeds from the clock
	Seed int64 `yaml:"seed"`
	// Concurrent bootstrap replicates; 0 means runtime.NumCPU()
	Workers int `yaml:"workers" validate:"gte=0"`

	Logger    *slog.Logger `yaml:"-" validate:"-"`
	Metrics   *Metrics     `yaml:"-" validate:"-"`
	Optimizer Optimizer    `yaml:"-" validate:"-"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		REML:    true,
		Method:  MethodNelderMeadR,
		RelTol:  1e-6,
		MaxIter: 1000,
		Anneal: AnnealOptions{
			MaxIter: 1000,
			Temp:    1,
			Tmax:    1,
		},
		KeepBoots: KeepNone,
	}
}

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig, applies CORPHYLO_*
// environment overrides and validates the result. A missing file leaves the
// defaults in place.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	if path != "" {
		if err := loadConfigFile(path, &config); err != nil {
			return config, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	loadConfigFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func loadConfigFromEnv(config *Config) {
	if v := os.Getenv("CORPHYLO_METHOD"); v != "" {
		config.Method = v
	}
	if v := os.Getenv("CORPHYLO_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Workers = i
		}
	}
	if v := os.Getenv("CORPHYLO_SEED"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Seed = i
		}
	}
	if v := os.Getenv("CORPHYLO_BOOT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Boot = i
		}
	}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Config) optimizer() Optimizer {
	if c.Optimizer != nil {
		return c.Optimizer
	}
	return &GonumOptimizer{}
}
