// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/jogardn/gpedidos/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a JSON logger at the configured level. With a path set, output
// also goes to a size-rotated file.
func New(cfg config.Logger) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	logger.SetOutput(Output(cfg, os.Stdout))
	return logger, nil
}

// Output is w alone, or w plus a rotating file when cfg.Path is set.
func Output(cfg config.Logger, w io.Writer) io.Writer {
	if cfg.Path == "" {
		return w
	}
	return io.MultiWriter(w, &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	})
}
