package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/Guizzs26/go-siem-sync/internal/config"
)

var (
	logFileMu sync.Mutex
	logFile   *os.File
)

func SetupLogger(cfg *config.Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *config.Config, stdout io.Writer) *slog.Logger {
	var w io.Writer = stdout

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			logFileMu.Lock()
			if logFile != nil {
				logFile.Close()
			}
			logFile = f
			logFileMu.Unlock()
			w = io.MultiWriter(stdout, f)
		} else {
			slog.New(slog.NewTextHandler(stdout, nil)).Warn("Log file unavailable, logging to stdout only", "path", cfg.LogFile, "error", err)
		}
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}

	var handler slog.Handler
	if strings.ToUpper(cfg.LogFormat) == "JSON" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps LOG_LEVEL to a slog level. Unknown values mean INFO
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CloseLogger releases the log file opened by SetupLogger, if any
func CloseLogger() error {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}
