// Package logging builds the zap logger shared by every component. Output goes
// to stdout in logfmt (default) or JSON.
package logging

import (
	"fmt"
	"os"
	"strings"

	zaplogfmt "github.com/allir/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// Config holds logger configuration options.
type Config struct {
	// Level specifies the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format selects the encoder: logfmt or json.
	Format string `yaml:"format"`
}

// Validate rejects unknown output formats.
func (c Config) Validate() error {
	switch strings.ToLower(c.Format) {
	case "", FormatLogfmt, FormatJSON:
		return nil
	default:
		return fmt.Errorf("configuration 'logging.format' must be %s or %s, got '%s'", FormatLogfmt, FormatJSON, c.Format)
	}
}

// New initializes a zap logger writing to stdout with the configured level
// and encoding.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return zap.New(newCore(cfg, zapcore.Lock(os.Stdout))), nil
}

func newCore(cfg Config, sink zapcore.WriteSyncer) zapcore.Core {
	return zapcore.NewCore(newEncoder(cfg.Format), sink, zap.NewAtomicLevelAt(parseLevel(cfg.Level)))
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder

	if strings.ToLower(format) == FormatJSON {
		encoderConfig.TimeKey = "time"
		return zapcore.NewJSONEncoder(encoderConfig)
	}

	encoderConfig.TimeKey = ""
	encoderConfig.ConsoleSeparator = " "
	return zaplogfmt.NewEncoder(encoderConfig)
}

// parseLevel converts a string level name to a zapcore.Level constant.
// It defaults to info level for empty or unrecognized values.
func parseLevel(v string) zapcore.Level {
	switch strings.ToLower(v) {
	case "debug":
		return zap.DebugLevel
	case "info", "":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
