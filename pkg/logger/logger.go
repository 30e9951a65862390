// Package logger is a thin package-level facade over zap's sugared logger.
// Every log call in the repo goes through it, so the binaries share one
// consistently configured sink.
package logger

import (
	"os"

	"go.uber.org/zap"
)

type zapLogger struct {
	log *zap.SugaredLogger
}

var instance *zapLogger

func init() {
	var config zap.Config
	if os.Getenv("LOG_ENV") == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}
	if err := configure(config); err != nil {
		panic(err)
	}
}

func configure(config zap.Config) error {
	l, err := config.Build()
	if err != nil {
		return err
	}
	defer l.Sync() //nolint
	l = l.WithOptions(zap.AddCallerSkip(2))
	instance = &zapLogger{log: l.Sugar()}
	return nil
}

func Info(msg string, values ...any) {
	instance.log.Infow(msg, values...)
}

func Warn(msg string, values ...any) {
	instance.log.Warnw(msg, values...)
}

func Error(msg string, values ...any) {
	instance.log.Errorw(msg, values...)
}

func Debug(msg string, values ...any) {
	instance.log.Debugw(msg, values...)
}

func Panic(msg string, values ...any) {
	instance.log.Panicw(msg, values...)
}

func Fatal(err error, values ...any) {
	instance.log.Fatalw(err.Error(), values...)
}

func Printf(format string, args ...interface{}) {
	instance.log.Infof(format, args...)
}
