package workflow

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigureLogging installs the process-wide zerolog logger used by every
// component in this package (publisher, runner, executor). level accepts
// the usual zerolog level names ("debug", "info", "warn", "error",
// "disabled"); an unrecognized name falls back to "info". When pretty is
// true, output is a human-readable console writer instead of JSON lines —
// meant for local CLI use, never for a long-running service.
func ConfigureLogging(levelName string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	logger := zerolog.New(w).With().Timestamp().Str("service", "bilko").Logger()
	log.Logger = logger
}
