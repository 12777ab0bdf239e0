package myo

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
)

// Dongle USB identity.
const (
	DongleVID = "2458"
	DonglePID = "0001"
)

// DetectPort returns the serial port of the first attached dongle.
func DetectPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("myo: enumerate ports: %w", err)
	}
	name, ok := matchPort(ports)
	if !ok {
		return "", ErrNoPort
	}
	logs.Infof("myo.DetectPort port=%s", name)
	return name, nil
}

func matchPort(ports []*enumerator.PortDetails) (string, bool) {
	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, DongleVID) && strings.TrimLeft(p.PID, "0") == strings.TrimLeft(DonglePID, "0") {
			return p.Name, true
		}
	}
	return "", false
}
