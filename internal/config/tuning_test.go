package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	c := Empty()
	assert.Equal(t, 30*time.Second, c.GetRingWindow())
	assert.Equal(t, 60, c.GetSampleRateHz())
	assert.Equal(t, []float64{0, 1.0 / 3.0, 2.0 / 3.0, 1}, c.GetSectorBoundaries())
	assert.Equal(t, 3, c.GetBaselineLaps())
	assert.Equal(t, 0.5, c.GetYawCalibration())
	assert.Equal(t, 0.05, c.GetConsistencyThreshold())
	assert.Equal(t, 5, c.GetGlobalRatePerMinute())
	assert.Equal(t, 2.0, c.GetMicroTimeScale())
	assert.Equal(t, 10*time.Second, c.GetLLMTextTimeout())
	assert.Equal(t, "coaching_data", c.GetDataDir())
}

func TestCategoryCooldowns(t *testing.T) {
	c := Empty()
	assert.Equal(t, 8*time.Second, c.GetCategoryCooldown("braking"))
	assert.Equal(t, 12*time.Second, c.GetCategoryCooldown("cornering"))
	assert.Equal(t, 2*time.Second, c.GetCategoryCooldown("safety"))
	// Unknown categories use the fallback.
	assert.Equal(t, 10*time.Second, c.GetCategoryCooldown("positive"))

	override := map[string]float64{"braking": 3}
	c.CategoryCooldownSeconds = &override
	assert.Equal(t, 3*time.Second, c.GetCategoryCooldown("braking"))
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, `{"consistency_threshold": 0.08, "llm_enabled": false}`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.08, c.GetConsistencyThreshold())
	assert.False(t, c.GetLLMEnabled())
	// Unset fields keep defaults.
	assert.Equal(t, 5, c.GetGlobalRatePerMinute())
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []string{
		`{"sector_boundaries": [0, 0.5]}`,
		`{"sector_boundaries": [0, 0.7, 0.3, 1]}`,
		`{"consistency_threshold": 0}`,
		`{"global_rate_per_minute": 0}`,
		`{"llm_text_timeout": "not-a-duration"}`,
	}
	for _, contents := range cases {
		path := writeConfig(t, contents)
		_, err := Load(path)
		assert.Error(t, err, "config %s should be rejected", contents)
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
