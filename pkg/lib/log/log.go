// Package log 提供 go-kaddht 统一日志接口
//
// 基于 Go 标准库 log/slog 封装，支持：
//   - 按子系统配置日志级别
//   - 环境变量配置（KADDHT_LOG_LEVEL, KADDHT_LOG_FORMAT）
//   - 结构化日志
//
// 使用示例:
//
//	package kad
//
//	import "github.com/dep2p/go-kaddht/pkg/lib/log"
//
//	var logger = log.Logger("kad")
//
//	func foo() {
//	    logger.Info("peer added", "peer", peerID.ShortString(), "bucket", idx)
//	    logger.Debug("query progress", "qid", qid, "contacted", n)
//	}
//
// 环境变量配置:
//
//	# 所有子系统 info，kad/query 子系统 debug
//	KADDHT_LOG_LEVEL=kad/query=debug,info
//
//	# JSON 格式输出
//	KADDHT_LOG_FORMAT=json
package log

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	// loggers 缓存各子系统的 Logger
	loggers sync.Map // map[string]*slog.Logger

	// levels 缓存各子系统的动态级别（用于运行时调整）
	levels sync.Map // map[string]*slog.LevelVar
)

// Logger 获取指定子系统的 Logger
//
// 根据 KADDHT_LOG_LEVEL 环境变量配置级别。
// 同一子系统多次调用返回相同实例。
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	lv := &slog.LevelVar{}
	lv.Set(levelFromEnv(subsystem))

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lv}
	if strings.EqualFold(os.Getenv("KADDHT_LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("subsystem", subsystem)

	actual, loaded := loggers.LoadOrStore(subsystem, logger)
	if !loaded {
		levels.Store(subsystem, lv)
	}
	return actual.(*slog.Logger)
}

// SetLevel 动态设置子系统的日志级别
//
// 允许运行时调整，无需重启。
func SetLevel(subsystem string, level slog.Level) {
	if lv, ok := levels.Load(subsystem); ok {
		lv.(*slog.LevelVar).Set(level)
	}
}

// levelFromEnv 从 KADDHT_LOG_LEVEL 解析子系统级别
//
// 格式: "sub1=debug,sub2=warn,info"，不带等号的项为默认级别。
func levelFromEnv(subsystem string) slog.Level {
	raw := os.Getenv("KADDHT_LOG_LEVEL")
	if raw == "" {
		return slog.LevelInfo
	}

	def := slog.LevelInfo
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if name, lvl, ok := strings.Cut(part, "="); ok {
			if name == subsystem {
				return parseLevel(lvl, slog.LevelInfo)
			}
			continue
		}
		def = parseLevel(part, def)
	}
	return def
}

// parseLevel 解析级别名称
func parseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}
