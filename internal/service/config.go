package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/knn"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/myo"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/pipeline"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/protocol/link"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/store"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/telemetry"
)

var ErrInvalidConfig = errors.New("service: invalid config")

// Config is the resolved runtime configuration for one armband service.
type Config struct {
	// Port is the dongle serial device; empty means detect by USB id.
	Port string
	// Address is the armband MAC; empty means scan.
	Address     string
	Mode        myo.Mode
	AutoConnect bool
	APIAddr     string
	APIToken    string
	CORSOrigins []string

	Link      link.Config
	Store     store.Config
	Pipeline  pipeline.Config
	Telemetry telemetry.Config
	KNN       knn.Config
}

func DefaultConfig() Config {
	return Config{
		Mode:        myo.ModePreprocessed,
		AutoConnect: true,
		APIAddr:     "127.0.0.1:8090",
		CORSOrigins: []string{"http://localhost:3000"},
		Link:        link.DefaultConfig(),
		Store:       store.DefaultConfig(),
		Pipeline:    pipeline.DefaultConfig(),
		Telemetry:   telemetry.DefaultConfig(),
		KNN:         knn.DefaultConfig(),
	}
}

// Validate checks the fields New cannot repair with defaults.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) != "" {
		if _, err := myo.ParseAddress(c.Address); err != nil {
			return fmt.Errorf("%w: address: %v", ErrInvalidConfig, err)
		}
	}
	if c.Mode < myo.ModeNoData || c.Mode > myo.ModeRaw {
		return fmt.Errorf("%w: mode=%d", ErrInvalidConfig, c.Mode)
	}
	if strings.TrimSpace(c.Store.Dir) == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Telemetry.Addr) == "" {
		return fmt.Errorf("%w: telemetry_addr is required", ErrInvalidConfig)
	}
	if c.Telemetry.Hz < 0 {
		return fmt.Errorf("%w: telemetry_hz=%v", ErrInvalidConfig, c.Telemetry.Hz)
	}
	if c.Pipeline.VoteWindow < 0 {
		return fmt.Errorf("%w: vote_window=%d", ErrInvalidConfig, c.Pipeline.VoteWindow)
	}
	if c.Link.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_connect_attempts=%d", ErrInvalidConfig, c.Link.Retry.MaxAttempts)
	}
	return nil
}

func (c Config) address() (*myo.Address, error) {
	if strings.TrimSpace(c.Address) == "" {
		return nil, nil
	}
	a, err := myo.ParseAddress(c.Address)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
