// Package logger 提供全局日志，支持 trace_id 上下文与敏感信息脱敏
package logger

import (
	"context"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type traceKey struct{}

var (
	globalLogger *zap.Logger
	sugarLogger  *zap.SugaredLogger
	atomicLevel  zap.AtomicLevel

	// redactor 由 privacy 层注入，在日志落盘前清洗敏感字符串
	redactor atomic.Value // func(string) string
)

// Config 日志配置
type Config struct {
	Level       string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format      string `yaml:"format" json:"format"` // json, console
	ServiceName string `yaml:"service_name" json:"service_name"`
	File        string `yaml:"file" json:"file"` // 为空则输出到 stdout
	MaxSizeMB   int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups" json:"max_backups"`
}

// Init 初始化全局日志
func Init(cfg *Config) error {
	atomicLevel = zap.NewAtomicLevel()
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel.SetLevel(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize == 0 {
			maxSize = 100
		}
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
	} else {
		sink = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, sink, atomicLevel)
	core = &redactCore{Core: core}

	globalLogger = zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.Fields(zap.String("service", cfg.ServiceName)),
	)
	sugarLogger = globalLogger.Sugar()

	return nil
}

// SetLevel 动态设置日志级别
func SetLevel(levelStr string) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		return
	}
	atomicLevel.SetLevel(level)
}

// SetRedactor 注入敏感信息清洗函数，所有字符串字段在编码前经过该函数
func SetRedactor(fn func(string) string) {
	if fn != nil {
		redactor.Store(fn)
	}
}

// redactCore 在写入前清洗字符串字段
type redactCore struct {
	zapcore.Core
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if fn, ok := redactor.Load().(func(string) string); ok {
		ent.Message = fn(ent.Message)
		fields = redactFields(fields)
	}
	return c.Core.Write(ent, fields)
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	fn, ok := redactor.Load().(func(string) string)
	if !ok {
		return fields
	}
	out := make([]zapcore.Field, len(fields))
	copy(out, fields)
	for i := range out {
		if out[i].Type == zapcore.StringType {
			out[i].String = fn(out[i].String)
		}
	}
	return out
}

// L 获取全局 logger
func L() *zap.Logger {
	if globalLogger == nil {
		globalLogger, _ = zap.NewProduction()
	}
	return globalLogger
}

// S 获取全局 sugar logger
func S() *zap.SugaredLogger {
	if sugarLogger == nil {
		sugarLogger = L().Sugar()
	}
	return sugarLogger
}

// WithTrace 从 context 取 trace_id，返回附带 trace_id 字段的 logger
func WithTrace(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return L()
	}
	if tid, ok := ctx.Value(traceKey{}).(string); ok && tid != "" {
		return L().With(zap.String("trace_id", tid))
	}
	return L()
}

// ContextWithTrace 将 trace_id 放入 context，跨组件调用时透传
func ContextWithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID 取出 context 中的 trace_id，不存在时返回空串
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	tid, _ := ctx.Value(traceKey{}).(string)
	return tid
}

// Debug 调试日志
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info 信息日志
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn 警告日志
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error 错误日志
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal 致命错误日志
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// Sync 同步日志
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
