package main

import (
	"os"

	"github.com/rs/zerolog"
)

// newLogger builds a console-writer zerolog.Logger at Info or Debug
// level, following the pack's root-command convention
// (maxgio92-xcover/pkg/cmd/root.go: log.New(os.Stderr).Level(...)).
func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
