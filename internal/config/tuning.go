// Package config loads the coaching tuning parameters from JSON.
//
// Every field is a pointer so a partial config file only overrides what it
// names; the Get* accessors supply defaults for everything else. The loaded
// config is passed frozen to components at construction; nothing mutates
// it after startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the root tuning configuration. The schema matches the
// /api/config endpoint so the same JSON serves startup and inspection.
type TuningConfig struct {
	// Ingest / buffer params
	RingWindowSeconds *float64 `json:"ring_window_seconds,omitempty"`
	SampleRateHz      *int     `json:"sample_rate_hz,omitempty"`

	// Lap / sector params
	SectorBoundaries  *[]float64 `json:"sector_boundaries,omitempty"` // sorted fractions, first 0, last 1
	MinLapSeconds     *float64   `json:"min_lap_seconds,omitempty"`
	BaselineLaps      *int       `json:"baseline_laps,omitempty"`

	// Detector params
	YawCalibration       *float64 `json:"yaw_calibration,omitempty"`        // K in the expected-yaw model
	OversteerRatio       *float64 `json:"oversteer_ratio,omitempty"`        // yaw ratio above which oversteer fires
	UndersteerRatio      *float64 `json:"understeer_ratio,omitempty"`       // yaw ratio below which understeer fires
	HandlingCooldown     *string  `json:"handling_cooldown,omitempty"`      // per (corner, direction)
	ConsistencyThreshold *float64 `json:"consistency_threshold,omitempty"`  // std/mean over recent laps
	MinBrakePeak         *float64 `json:"min_brake_peak,omitempty"`         // average peak below this is insufficient braking
	ShiftBandTolerance   *float64 `json:"shift_band_tolerance,omitempty"`   // rpm deviation before early/late fires

	// Micro-analysis params
	MicroTimeScale    *float64 `json:"micro_time_scale,omitempty"`    // seconds per full lap fraction
	MicroMinTimeLoss  *float64 `json:"micro_min_time_loss,omitempty"` // below this no mistake event is recorded
	CornerEntrySteer  *float64 `json:"corner_entry_steer,omitempty"`  // |steering| to open a corner trace
	CornerExitSteer   *float64 `json:"corner_exit_steer,omitempty"`   // |steering| to close a corner trace

	// Message queue params
	GlobalRatePerMinute      *int                `json:"global_rate_per_minute,omitempty"`
	CategoryCooldownSeconds  *map[string]float64 `json:"category_cooldown_seconds,omitempty"`
	FallbackCooldownSeconds  *float64            `json:"fallback_cooldown_seconds,omitempty"`
	SimilarityThreshold      *float64            `json:"similarity_threshold,omitempty"` // word-overlap ratio
	CombineWindowSeconds     *float64            `json:"combine_window_seconds,omitempty"`

	// LLM params
	LLMEnabled       *bool   `json:"llm_enabled,omitempty"`
	LLMModel         *string `json:"llm_model,omitempty"`
	LLMRatePerMinute *int    `json:"llm_rate_per_minute,omitempty"`
	LLMTextTimeout   *string `json:"llm_text_timeout,omitempty"`
	LLMAudioTimeout  *string `json:"llm_audio_timeout,omitempty"`

	// Persistence params
	DataDir *string `json:"data_dir,omitempty"`
}

// Empty returns a TuningConfig with all fields unset.
func Empty() *TuningConfig { return &TuningConfig{} }

// Load reads a TuningConfig from a JSON file. Fields omitted from the file
// retain their defaults, so partial configs are safe.
func Load(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration values. Called at startup; a failure
// here is fatal (exit code 1).
func (c *TuningConfig) Validate() error {
	if c.SectorBoundaries != nil {
		b := *c.SectorBoundaries
		if len(b) < 2 {
			return fmt.Errorf("sector_boundaries needs at least 2 entries, got %d", len(b))
		}
		if b[0] != 0 || b[len(b)-1] != 1 {
			return fmt.Errorf("sector_boundaries must start at 0 and end at 1")
		}
		for i := 1; i < len(b); i++ {
			if b[i] <= b[i-1] {
				return fmt.Errorf("sector_boundaries must be strictly increasing at index %d", i)
			}
		}
	}
	if c.ConsistencyThreshold != nil && (*c.ConsistencyThreshold <= 0 || *c.ConsistencyThreshold > 1) {
		return fmt.Errorf("consistency_threshold must be in (0,1], got %f", *c.ConsistencyThreshold)
	}
	if c.GlobalRatePerMinute != nil && *c.GlobalRatePerMinute < 1 {
		return fmt.Errorf("global_rate_per_minute must be at least 1, got %d", *c.GlobalRatePerMinute)
	}
	for _, d := range []*string{c.HandlingCooldown, c.LLMTextTimeout, c.LLMAudioTimeout} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid duration %q: %w", *d, err)
			}
		}
	}
	return nil
}

func (c *TuningConfig) GetRingWindow() time.Duration {
	if c.RingWindowSeconds == nil || *c.RingWindowSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(*c.RingWindowSeconds * float64(time.Second))
}

func (c *TuningConfig) GetSampleRateHz() int {
	if c.SampleRateHz == nil || *c.SampleRateHz <= 0 {
		return 60
	}
	return *c.SampleRateHz
}

func (c *TuningConfig) GetSectorBoundaries() []float64 {
	if c.SectorBoundaries == nil {
		return []float64{0, 1.0 / 3.0, 2.0 / 3.0, 1}
	}
	return *c.SectorBoundaries
}

func (c *TuningConfig) GetMinLapSeconds() float64 {
	if c.MinLapSeconds == nil {
		return 30
	}
	return *c.MinLapSeconds
}

func (c *TuningConfig) GetBaselineLaps() int {
	if c.BaselineLaps == nil {
		return 3
	}
	return *c.BaselineLaps
}

func (c *TuningConfig) GetYawCalibration() float64 {
	if c.YawCalibration == nil {
		return 0.5
	}
	return *c.YawCalibration
}

func (c *TuningConfig) GetOversteerRatio() float64 {
	if c.OversteerRatio == nil {
		return 1.3
	}
	return *c.OversteerRatio
}

func (c *TuningConfig) GetUndersteerRatio() float64 {
	if c.UndersteerRatio == nil {
		return 0.7
	}
	return *c.UndersteerRatio
}

func (c *TuningConfig) GetHandlingCooldown() time.Duration {
	if c.HandlingCooldown == nil || *c.HandlingCooldown == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(*c.HandlingCooldown)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

func (c *TuningConfig) GetConsistencyThreshold() float64 {
	if c.ConsistencyThreshold == nil {
		return 0.05
	}
	return *c.ConsistencyThreshold
}

func (c *TuningConfig) GetMinBrakePeak() float64 {
	if c.MinBrakePeak == nil {
		return 0.5
	}
	return *c.MinBrakePeak
}

func (c *TuningConfig) GetShiftBandTolerance() float64 {
	if c.ShiftBandTolerance == nil {
		return 500
	}
	return *c.ShiftBandTolerance
}

func (c *TuningConfig) GetMicroTimeScale() float64 {
	if c.MicroTimeScale == nil {
		return 2.0
	}
	return *c.MicroTimeScale
}

func (c *TuningConfig) GetMicroMinTimeLoss() float64 {
	if c.MicroMinTimeLoss == nil {
		return 0.05
	}
	return *c.MicroMinTimeLoss
}

func (c *TuningConfig) GetCornerEntrySteer() float64 {
	if c.CornerEntrySteer == nil {
		return 0.1
	}
	return *c.CornerEntrySteer
}

func (c *TuningConfig) GetCornerExitSteer() float64 {
	if c.CornerExitSteer == nil {
		return 0.05
	}
	return *c.CornerExitSteer
}

func (c *TuningConfig) GetGlobalRatePerMinute() int {
	if c.GlobalRatePerMinute == nil {
		return 5
	}
	return *c.GlobalRatePerMinute
}

// GetCategoryCooldown returns the delivery cooldown for a message category.
// Categories without an explicit entry use the fallback cooldown.
func (c *TuningConfig) GetCategoryCooldown(category string) time.Duration {
	if c.CategoryCooldownSeconds != nil {
		if s, ok := (*c.CategoryCooldownSeconds)[category]; ok {
			return time.Duration(s * float64(time.Second))
		}
	}
	if d, ok := defaultCategoryCooldowns[category]; ok {
		return d
	}
	return c.GetFallbackCooldown()
}

var defaultCategoryCooldowns = map[string]time.Duration{
	"braking":         8 * time.Second,
	"cornering":       12 * time.Second,
	"throttle":        6 * time.Second,
	"racing_line":     15 * time.Second,
	"pit_strategy":    30 * time.Second,
	"tire_management": 20 * time.Second,
	"safety":          2 * time.Second,
}

func (c *TuningConfig) GetFallbackCooldown() time.Duration {
	if c.FallbackCooldownSeconds == nil {
		return 10 * time.Second
	}
	return time.Duration(*c.FallbackCooldownSeconds * float64(time.Second))
}

func (c *TuningConfig) GetSimilarityThreshold() float64 {
	if c.SimilarityThreshold == nil {
		return 0.6
	}
	return *c.SimilarityThreshold
}

func (c *TuningConfig) GetCombineWindow() time.Duration {
	if c.CombineWindowSeconds == nil {
		return 3 * time.Second
	}
	return time.Duration(*c.CombineWindowSeconds * float64(time.Second))
}

func (c *TuningConfig) GetLLMEnabled() bool {
	if c.LLMEnabled == nil {
		return true
	}
	return *c.LLMEnabled
}

func (c *TuningConfig) GetLLMModel() string {
	if c.LLMModel == nil || *c.LLMModel == "" {
		return "gemini-2.0-flash"
	}
	return *c.LLMModel
}

func (c *TuningConfig) GetLLMRatePerMinute() int {
	if c.LLMRatePerMinute == nil {
		return 5
	}
	return *c.LLMRatePerMinute
}

func (c *TuningConfig) GetLLMTextTimeout() time.Duration {
	if c.LLMTextTimeout == nil || *c.LLMTextTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(*c.LLMTextTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func (c *TuningConfig) GetLLMAudioTimeout() time.Duration {
	if c.LLMAudioTimeout == nil || *c.LLMAudioTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(*c.LLMAudioTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

func (c *TuningConfig) GetDataDir() string {
	if c.DataDir == nil || *c.DataDir == "" {
		return "coaching_data"
	}
	return *c.DataDir
}
