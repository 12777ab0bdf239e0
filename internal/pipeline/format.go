package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	InitialGestureText = "-1,0.0"
	InitialSensorText  = "0 0 0 0 0 0 0 0"
)

// Decision is the published gesture. Label -1 means no decision yet.
type Decision struct {
	Label      int       `json:"label"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

func NoDecision() Decision { return Decision{Label: -1} }

// Text renders "<label>,<confidence>" with two decimals.
func (d Decision) Text() string {
	if d.Label < 0 {
		return InitialGestureText
	}
	return fmt.Sprintf("%d,%.2f", d.Label, d.Confidence)
}

// SensorSnapshot is the latest raw EMG reading.
type SensorSnapshot struct {
	Channels [8]int    `json:"channels"`
	At       time.Time `json:"at"`
}

// Text renders the channels space separated.
func (s SensorSnapshot) Text() string {
	parts := make([]string, len(s.Channels))
	for i, v := range s.Channels {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, " ")
}
