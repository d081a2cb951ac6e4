package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chtemp switches to a temp dir so no stray config.yaml is picked up.
func chtemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "atlas.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "age", cfg.Schema.ReferenceDimension)
	assert.Equal(t, "income", cfg.Schema.IncomeDimension)
	assert.Equal(t, "hours", cfg.Schema.HoursDimension)
	assert.Equal(t, []string{"sa1", "postcode", "suburb"}, cfg.Hierarchy.Levels)
	assert.InDelta(t, 0.05, cfg.Build.CrosswalkTolerance, 0.001)
	assert.InDelta(t, 1.25, cfg.Build.OpenEndedMultiplier, 0.001)
	assert.InDelta(t, 5.0, cfg.Score.RadiusKM, 0.001)
	assert.Equal(t, 10, cfg.Score.TopN)
	assert.InDelta(t, 0.4, cfg.Score.DensityWeight, 0.001)
	assert.InDelta(t, 0.4, cfg.Score.TargetWeight, 0.001)
	assert.InDelta(t, 0.2, cfg.Score.GapWeight, 0.001)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chtemp(t)

	yaml := `
store:
  path: /data/warehouse.db
log:
  level: debug
  format: console
score:
  radius_km: 8
hierarchy:
  levels: [sa1, postcode]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/warehouse.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.InDelta(t, 8.0, cfg.Score.RadiusKM, 0.001)
	assert.Equal(t, []string{"sa1", "postcode"}, cfg.Hierarchy.Levels)
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Score.TopN)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chtemp(t)

	t.Setenv("ATLAS_STORE_PATH", "/tmp/other.db")
	t.Setenv("ATLAS_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.Store.Path)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		chtemp(t)
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Store.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Hierarchy.Levels = []string{"sa1", "sa1"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate level")

	cfg = base()
	cfg.Build.OpenEndedMultiplier = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Score.RadiusKM = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Score.GapWeight = -0.1
	assert.Error(t, cfg.Validate())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}
