package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
)

// InitLogger configures the runtime profile and returns an app-tagged logger for
// structured call sites such as the HTTP request logger.
func InitLogger(app string) zerolog.Logger {
	logs.ConfigureRuntime()
	logger := logs.Logger().With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
