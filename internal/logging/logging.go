// Package logging builds the zap loggers used by the CLI and the daemons.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/untoldecay/treeline/internal/config"
)

// NewCLI returns a console logger for interactive commands. Output goes to
// stderr so it never corrupts --json output on stdout.
func NewCLI() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		parseLevel(config.GetString("log.level")),
	)
	return zap.New(core)
}

// NewService returns a JSON logger for the API server and the landing
// worker. When log.path is set the log is written through a size-rotated
// file, otherwise to stderr.
func NewService(service string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if path := config.GetString("log.path"); path != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		sink,
		parseLevel(config.GetString("log.level")),
	)
	logger := zap.New(core, zap.AddCaller()).With(zap.String("service", service))
	zap.ReplaceGlobals(logger)
	return logger
}

func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
