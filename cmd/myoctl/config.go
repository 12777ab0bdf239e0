package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/myo"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/service"
)

type fileConfig struct {
	Port               string   `toml:"port"`
	Address            string   `toml:"address"`
	Mode               string   `toml:"mode"`
	AutoConnect        bool     `toml:"auto_connect"`
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

func loadServiceConfig(path string) (service.Config, error) {
	cfg := service.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return service.Config{}, fmt.Errorf("load myoctl config: %w", err)
	}

	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("mode") {
		mode, err := myo.ParseMode(raw.Mode)
		if err != nil {
			return service.Config{}, fmt.Errorf("parse mode: %w", err)
		}
		cfg.Mode = mode
	}
	if meta.IsDefined("auto_connect") {
		cfg.AutoConnect = raw.AutoConnect
	}

	if meta.IsDefined("data_dir") {
		cfg.Store.Dir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("publish_dir") {
		cfg.Pipeline.PublishDir = strings.TrimSpace(raw.PublishDir)
	}
	if meta.IsDefined("buffer_size") {
		cfg.Store.BufferSize = raw.BufferSize
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"flush_interval", raw.FlushInterval, &cfg.Store.FlushInterval},
		{"classify_interval", raw.ClassifyInterval, &cfg.Pipeline.ClassifyInterval},
		{"sensor_interval", raw.SensorInterval, &cfg.Pipeline.SensorInterval},
		{"decision_interval", raw.DecisionInterval, &cfg.Pipeline.DecisionInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return service.Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("vote_window") {
		cfg.Pipeline.VoteWindow = raw.VoteWindow
	}
	if meta.IsDefined("hysteresis_margin") {
		cfg.Pipeline.HysteresisMargin = raw.HysteresisMargin
	}
	if meta.IsDefined("telemetry_addr") {
		cfg.Telemetry.Addr = strings.TrimSpace(raw.TelemetryAddr)
	}
	if meta.IsDefined("telemetry_hz") {
		cfg.Telemetry.Hz = raw.TelemetryHz
	}

	if meta.IsDefined("max_connect_attempts") {
		cfg.Link.Retry.MaxAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("retry_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryDelay))
		if err != nil {
			return service.Config{}, fmt.Errorf("parse retry_delay: %w", err)
		}
		cfg.Link.Retry.InitialDelay = d
		cfg.Link.Retry.MaxDelay = d
	}
	if meta.IsDefined("backlog_high_water") {
		cfg.Link.BacklogHighWater = raw.BacklogHighWater
	}

	if meta.IsDefined("knn_k") {
		cfg.KNN.K = raw.KNNK
	}
	if meta.IsDefined("knn_max_samples") {
		cfg.KNN.MaxSamples = raw.KNNMaxSamples
	}

	if meta.IsDefined("api_addr") {
		cfg.APIAddr = strings.TrimSpace(raw.APIAddr)
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}

	if err := cfg.Validate(); err != nil {
		return service.Config{}, err
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
