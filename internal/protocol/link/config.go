package link

import "time"

// Config defines transport and link behavior for the dongle.
type Config struct {
	BaudRate         int
	ReadTimeout      time.Duration
	ReadBufferSize   int
	BacklogHighWater int
	Retry            RetryConfig
}

// DefaultConfig returns the dongle defaults: 9600 baud, a short bounded read so
// loops observe cancellation, and the 5096-byte backlog high-water mark.
func DefaultConfig() Config {
	return Config{
		BaudRate:         9600,
		ReadTimeout:      100 * time.Millisecond,
		ReadBufferSize:   256,
		BacklogHighWater: 5096,
		Retry:            FixedRetry(20, time.Second),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.BaudRate <= 0 {
		c.BaudRate = d.BaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.BacklogHighWater <= 0 {
		c.BacklogHighWater = d.BacklogHighWater
	}
	if c.Retry.InitialDelay <= 0 && c.Retry.MaxAttempts == 0 {
		c.Retry = d.Retry
	}
	return c
}
