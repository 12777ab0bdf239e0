package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/myo"
)

var ErrInvalid = errors.New("config: invalid value")

// File mirrors every key a myoctl config may set. Durations are strings.
type File struct {
	Port               string   `toml:"port"`
	Address            string   `toml:"address"`
	Mode               string   `toml:"mode"`
	AutoConnect        *bool    `toml:"auto_connect"`
	DataDir            string   `toml:"data_dir"`
	PublishDir         string   `toml:"publish_dir"`
	BufferSize         int      `toml:"buffer_size"`
	FlushInterval      string   `toml:"flush_interval"`
	ClassifyInterval   string   `toml:"classify_interval"`
	SensorInterval     string   `toml:"sensor_interval"`
	DecisionInterval   string   `toml:"decision_interval"`
	VoteWindow         int      `toml:"vote_window"`
	HysteresisMargin   int      `toml:"hysteresis_margin"`
	TelemetryAddr      string   `toml:"telemetry_addr"`
	TelemetryHz        float64  `toml:"telemetry_hz"`
	MaxConnectAttempts int      `toml:"max_connect_attempts"`
	RetryDelay         string   `toml:"retry_delay"`
	BacklogHighWater   int      `toml:"backlog_high_water"`
	KNNK               int      `toml:"knn_k"`
	KNNMaxSamples      int      `toml:"knn_max_samples"`
	APIAddr            string   `toml:"api_addr"`
	APIToken           string   `toml:"api_token"`
	CORSOrigins        []string `toml:"cors_origins"`
}

// Load reads path strictly: unknown keys are errors.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var f File
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return File{}, fmt.Errorf("config parse failed (%s): %w: %s", path, ErrInvalid, strict.String())
		}
		return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(f); err != nil {
		return File{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return f, nil
}

// Validate checks value shapes. Zero values mean "use the default" and pass.
func Validate(f File) error {
	if strings.TrimSpace(f.Address) != "" {
		if _, err := myo.ParseAddress(f.Address); err != nil {
			return fmt.Errorf("%w: address: %v", ErrInvalid, err)
		}
	}
	if _, err := myo.ParseMode(f.Mode); err != nil {
		return fmt.Errorf("%w: mode: %v", ErrInvalid, err)
	}
	durations := map[string]string{
		"flush_interval":    f.FlushInterval,
		"classify_interval": f.ClassifyInterval,
		"sensor_interval":   f.SensorInterval,
		"decision_interval": f.DecisionInterval,
		"retry_delay":       f.RetryDelay,
	}
	for key, raw := range durations {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, key)
		}
	}
	ints := map[string]int{
		"buffer_size":          f.BufferSize,
		"vote_window":          f.VoteWindow,
		"hysteresis_margin":    f.HysteresisMargin,
		"max_connect_attempts": f.MaxConnectAttempts,
		"backlog_high_water":   f.BacklogHighWater,
		"knn_k":                f.KNNK,
		"knn_max_samples":      f.KNNMaxSamples,
	}
	for key, v := range ints {
		if v < 0 {
			return fmt.Errorf("%w: %s=%d", ErrInvalid, key, v)
		}
	}
	if f.TelemetryHz < 0 {
		return fmt.Errorf("%w: telemetry_hz=%v", ErrInvalid, f.TelemetryHz)
	}
	return nil
}
