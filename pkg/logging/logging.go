package logging

import (
	"github.com/canopy-network/txrelay/pkg/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Every entry carries the service name and, when set,
// the INSTANCE_ID so records from several relayer replicas can be told apart.
func New(service string) (*zap.Logger, error) {
	level := utils.Env("LOG_LEVEL", "info")
	encoding := utils.Env("LOG_ENCODING", "json")
	cfg := zap.NewProductionConfig()
	cfg.Encoding = encoding
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	if level == "debug" {
		cfg.Development = true
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	fields := []zap.Field{zap.String("service", service)}
	if instance := utils.Env("INSTANCE_ID", ""); instance != "" {
		fields = append(fields, zap.String("instance", instance))
	}

	l, err := cfg.Build(zap.Fields(fields...))
	if err != nil {
		return nil, err
	}
	return l, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
