package observability

import (
	"github.com/danmuck/addonlink/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger applies cfg and tags every line with app.
func InitLogger(app string, cfg logging.Config) zerolog.Logger {
	logger := logging.Apply(cfg).With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
