package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Verbosity is the user-facing output level.
type Verbosity string

const (
	Silent  Verbosity = "silent"
	Normal  Verbosity = "normal"
	Verbose Verbosity = "verbose"
	Debug   Verbosity = "debug"
)

// Config holds logging configuration
type Config struct {
	Verbosity  Verbosity
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Verbosity {
	case Silent:
		level = zerolog.ErrorLevel
	case Normal:
		level = zerolog.InfoLevel
	case Verbose:
		level = zerolog.InfoLevel
	case Debug:
		level = zerolog.DebugLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithHexadID creates a child logger with hexad_id field
func WithHexadID(hexadID string) zerolog.Logger {
	return Logger.With().Str("hexad_id", hexadID).Logger()
}

// WithStoreID creates a child logger with store_id field
func WithStoreID(storeID string) zerolog.Logger {
	return Logger.With().Str("store_id", storeID).Logger()
}

// WithPeerID creates a child logger with peer_id field
func WithPeerID(peerID string) zerolog.Logger {
	return Logger.With().Str("peer_id", peerID).Logger()
}

// NoticeKind distinguishes friendly notices from errors.
type NoticeKind string

const (
	NoticeInfo        NoticeKind = "info"
	NoticeWarning     NoticeKind = "warning"
	NoticeHint        NoticeKind = "hint"
	NoticeDeprecation NoticeKind = "deprecation"
)

// Notice emits a friendly, non-error notice at info level.
func Notice(kind NoticeKind, msg string) {
	Logger.Info().Str("notice", string(kind)).Msg(msg)
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debugf(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
