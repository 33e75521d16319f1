package main

import (
	"fmt"

	"go.uber.org/zap"
)

func createLogger(debug bool, logLevel string) (*zap.Logger, error) {
	if logLevel == "" {
		logLevel = "warn"
	}
	level, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", logLevel, err)
	}

	var loggerCfg zap.Config
	if debug {
		loggerCfg = zap.NewDevelopmentConfig()
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		loggerCfg = zap.NewProductionConfig()
		loggerCfg.Encoding = "console"
	}
	loggerCfg.Level = level
	// stdout may carry archive data.
	loggerCfg.OutputPaths = []string{"stderr"}

	logger, err := loggerCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("goarchive"), nil
}
