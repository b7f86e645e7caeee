package server

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-zones/errors"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "zones.db"

	envListenAddr = "ZONES_LISTEN_ADDR"
	envModuleRoot = "ZONES_MODULE_ROOT"
	envWorkers    = "ZONES_WORKERS"
	envDBPath     = "ZONES_DB_PATH"
	envLogLevel   = "ZONES_LOG_LEVEL"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	ModuleRoot string
	DBPath     string

	// Workers is the pool size of zones created without an explicit count.
	// 0 means one worker per CPU.
	Workers  int
	LogLevel zapcore.Level
}

// LoadConfig reads configuration from the environment, with defaults for
// anything unset.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   zapcore.InfoLevel,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	cfg.ModuleRoot = os.Getenv(envModuleRoot)
	if v := os.Getenv(envWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, errors.New(errors.PhaseZone, errors.KindInvalidInput).
				Path(envWorkers).
				Value(v).
				Detail("worker count must be a non-negative integer").
				Build()
		}
		cfg.Workers = n
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg, nil
}

func parseLogLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger builds a JSON production logger at level.
func NewLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
