// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, encoder and sink.
type Options struct {
	Level       string // debug, info, warn, error
	Development bool
	File        string // rotated with lumberjack when set
}

// New returns a production JSON logger, or a console logger in development mode.
// Output goes to stderr, and also to File when one is configured.
func New(opts Options) (*zap.Logger, error) {
	lvl := zap.InfoLevel
	if opts.Level != "" {
		if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if opts.File != "" {
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}))
	}

	zopts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if opts.Development {
		zopts = append(zopts, zap.Development())
	}
	return zap.New(zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(lvl)), zopts...), nil
}
