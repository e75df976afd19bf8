package logger

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewDefault 根据日志级别字符串创建默认的 slog.Logger。
//
// 本地开发（APP_ENV != prod）使用 tint 彩色输出，生产环境输出 JSON，
// 便于日志采集。
func NewDefault(level string) *slog.Logger {
	lvl := ParseLevel(level)

	if strings.ToLower(os.Getenv("APP_ENV")) == "prod" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}

// ParseLevel 将配置中的级别字符串转换为 slog.Level，未知值回退为 Info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
