package testlog

import (
	"testing"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logs.ConfigureTests()
	logs.Infof("test=%s", t.Name())
}
