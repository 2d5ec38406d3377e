package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger with configuration from environment variables.
// XCODE_LOG_LEVEL controls the log level: debug, info, warn, error (default: info)
// XCODE_LOG_FORMAT selects the output: console (default) or json
func Init() {
	initWith(os.Getenv("XCODE_LOG_LEVEL"), os.Getenv("XCODE_LOG_FORMAT"), os.Stderr)
}

func initWith(level, format string, out io.Writer) {
	zerolog.SetGlobalLevel(parseLevel(level))
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
