package corphylo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.REML)
	assert.False(t, cfg.ConstrainD)
	assert.Equal(t, MethodNelderMeadR, cfg.Method)
	assert.Equal(t, 1e-6, cfg.RelTol)
	assert.Equal(t, 1000, cfg.MaxIter)
	assert.Equal(t, AnnealOptions{MaxIter: 1000, Temp: 1, Tmax: 1}, cfg.Anneal)
	assert.Equal(t, KeepNone, cfg.KeepBoots)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown method", func(c *Config) { c.Method = "newton" }},
		{"zero tolerance", func(c *Config) { c.RelTol = 0 }},
		{"zero iterations", func(c *Config) { c.MaxIter = 0 }},
		{"negative absolute tolerance", func(c *Config) { c.AbsTol = -1e-9 }},
		{"negative boot", func(c *Config) { c.Boot = -1 }},
		{"bad keep policy", func(c *Config) { c.KeepBoots = "some" }},
		{"negative workers", func(c *Config) { c.Workers = -2 }},
		{"zero anneal temperature", func(c *Config) { c.Anneal.Temp = 0 }},
		{"zero anneal evaluations", func(c *Config) { c.Anneal.MaxIter = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corphylo.yaml")
	content := `
reml: false
constrain_d: true
method: sann
max_iter: 250
abs_tol: 1e-9
anneal:
  max_iter: 400
  temp: 0.5
boot: 100
keep_boots: fail
seed: 42
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.REML)
	assert.True(t, cfg.ConstrainD)
	assert.Equal(t, MethodSann, cfg.Method)
	assert.Equal(t, 250, cfg.MaxIter)
	assert.Equal(t, 400, cfg.Anneal.MaxIter)
	assert.Equal(t, 0.5, cfg.Anneal.Temp)
	assert.Equal(t, 1, cfg.Anneal.Tmax, "unset fields keep their default")
	assert.Equal(t, 1e-6, cfg.RelTol)
	assert.Equal(t, 1e-9, cfg.AbsTol)
	assert.Equal(t, 100, cfg.Boot)
	assert.Equal(t, KeepFail, cfg.KeepBoots)
	assert.Equal(t, int64(42), cfg.Seed)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CORPHYLO_WORKERS", "3")
	t.Setenv("CORPHYLO_BOOT", "20")
	t.Setenv("CORPHYLO_SEED", "7")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 20, cfg.Boot)
	assert.Equal(t, int64(7), cfg.Seed)

	t.Setenv("CORPHYLO_METHOD", "powell")
	_, err = LoadConfig("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_iter: [1, 2"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigOptimizeOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = MethodBobyqa
	cfg.AbsTol = 1e-8

	opts := cfg.OptimizeOptions(5)
	assert.Equal(t, OptimizeOptions{
		Algorithm: MethodBobyqa,
		RelTol:    1e-6,
		AbsTol:    1e-8,
		MaxIter:   1000,
		Anneal:    cfg.Anneal,
		Seed:      5,
	}, opts)
}
