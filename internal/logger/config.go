package logger

import (
	"io"
	"os"
	"strconv"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Environments in which NewFromEnv writes only to stdout.
var consoleEnvironments = map[string]bool{"local": true, "test": true}

// EnvConfig is the logger configuration read from LOG_* variables.
type EnvConfig struct {
	Level       string
	Format      string
	Output      io.Writer // overrides every other destination when set
	ServiceName string
	Environment string // APP_ENV

	File     string // LOG_FILE; empty disables file output
	FileOnly bool   // LOG_FILE_ONLY
	Rotation Rotation
}

// Rotation bounds the on-disk log file. Sizes are in MB, ages in days.
type Rotation struct {
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// LoadFromEnv reads the logger configuration. service is used when
// SERVICE_NAME is unset, so each binary tags its own lines.
func LoadFromEnv(service string) *EnvConfig {
	if service == "" {
		service = "mediamatch"
	}
	return &EnvConfig{
		Level:       envString("LOG_LEVEL", "info"),
		Format:      envString("LOG_FORMAT", "json"),
		ServiceName: envString("SERVICE_NAME", service),
		Environment: envString("APP_ENV", "local"),
		File:        envString("LOG_FILE", "/var/log/mediamatch/"+service+".log"),
		FileOnly:    envBool("LOG_FILE_ONLY", false),
		Rotation: Rotation{
			MaxSize:    envInt("LOG_MAX_SIZE", 100),
			MaxBackups: envInt("LOG_MAX_BACKUPS", 7),
			MaxAge:     envInt("LOG_MAX_AGE", 30),
			Compress:   envBool("LOG_COMPRESS", true),
		},
	}
}

// writesFile reports whether the configuration sends logs to LOG_FILE.
func (c *EnvConfig) writesFile() bool {
	return c.File != "" && !consoleEnvironments[c.Environment]
}

func (r Rotation) open(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.MaxSize,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAge,
		Compress:   r.Compress,
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// envBool and envInt fall back to def on unparsable values.
func envBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return i
}
