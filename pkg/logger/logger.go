// Package logger 全局结构化日志 (zap)
//
// 组件通过包级函数记录日志，字段统一使用 zap.Field：
//
//	logger.Info("index window persisted",
//	    zap.Uint64("from", from),
//	    zap.Uint64("to", to))
//
// 请求级字段 (如 request_id) 通过 NewContext 挂到 context 上，用 FromContext 取出。
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	global atomic.Pointer[zap.Logger]
)

func init() {
	global.Store(newLogger(&Config{Format: "json"}, zapcore.Lock(os.Stdout)))
}

// Config 日志配置
type Config struct {
	Level       string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format      string `yaml:"format" json:"format"` // json, console
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// Init 初始化全局日志，输出到 stdout
func Init(cfg *Config) error {
	return InitWithWriter(cfg, os.Stdout)
}

// InitWithWriter 初始化到指定 writer，非法级别回退到 info
func InitWithWriter(cfg *Config, w io.Writer) error {
	if err := SetLevel(cfg.Level); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}
	global.Store(newLogger(cfg, zapcore.AddSync(w)))
	return nil
}

func newLogger(cfg *Config, ws zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var enc zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	l := zap.New(zapcore.NewCore(enc, ws, level), zap.AddCaller(), zap.AddCallerSkip(1))
	if cfg.ServiceName != "" {
		l = l.With(zap.String("service", cfg.ServiceName))
	}
	return l
}

// SetLevel 运行时调整级别
func SetLevel(s string) error {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", s, err)
	}
	level.SetLevel(lv)
	return nil
}

// L 全局 logger
func L() *zap.Logger {
	return global.Load()
}

// FromContext 取出请求级 logger，没有时返回全局 logger
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
			return l
		}
	}
	return L()
}

// NewContext 在 context 上叠加字段
func NewContext(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxKey{}, FromContext(ctx).With(fields...))
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Fatal 记录后退出进程
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// Sync 刷新缓冲
func Sync() error {
	return L().Sync()
}
