package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
}

// New builds the sugared zap logger used across the CLI; debug mode switches to the development config.
func New(isDebug bool) *zap.SugaredLogger {
	var config zap.Config
	if isDebug {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		config = zap.NewProductionConfig()
		config.Encoding = "console"
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.DisableStacktrace = true
	}
	config.OutputPaths = []string{"stderr"}

	l, err := config.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}

	return l.Sugar()
}

func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
