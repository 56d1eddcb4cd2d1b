package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shaiso/agentflow/internal/config"
)

// ParseLevel определяет уровень логирования.
// Возможные значения: debug, info, warn, error (без учёта регистра).
// По умолчанию: info.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger инициализирует глобальный логгер.
//
// Формат вывода определяется cfg.Format:
//   - "json" (по умолчанию) — JSON формат для production
//   - "text" — человекочитаемый формат для разработки
func SetupLogger(cfg config.LogConfig) *slog.Logger {
	logger := NewLogger(os.Stdout, cfg)
	slog.SetDefault(logger)
	return logger
}

// NewLogger создаёт логгер, пишущий в w.
func NewLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// WithRunID возвращает логгер с добавленным run_id.
func WithRunID(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithStep возвращает логгер с полями step.
func WithStep(logger *slog.Logger, runID, stepID, nodeID string) *slog.Logger {
	return logger.With("run_id", runID, "step_id", stepID, "node_id", nodeID)
}
