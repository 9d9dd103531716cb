package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how the process logger is built.
// Level is one of debug, info, warn, error. DevMode switches to a console encoder.
type Config struct {
	Level   string
	DevMode bool
}

// New builds the process logger and installs it as the zap global.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}

	zapCfg := buildZapConfig(cfg.DevMode)
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)

	log, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build zap: %w", err)
	}
	zap.ReplaceGlobals(log)
	return log, nil
}

func buildZapConfig(dev bool) zap.Config {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
		cfg.EncoderConfig.StacktraceKey = "stacktrace"
	}

	ec := &cfg.EncoderConfig
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.CallerKey = "caller"
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	return cfg
}
