package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds a console logger tagged with the application name and installs
// it as the global logger.
func New(app string, verbose bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, app, verbose)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(out io.Writer, app string, verbose bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
