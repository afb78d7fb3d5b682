package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger *zap.Logger

// Options 日志配置
type Options struct {
	Level       string
	Development bool
	Service     string
}

// OptionsFromEnv 从 ENV / LOG_LEVEL 环境变量读取日志配置
func OptionsFromEnv(service string) Options {
	return Options{
		Level:       os.Getenv("LOG_LEVEL"),
		Development: os.Getenv("ENV") == "development",
		Service:     service,
	}
}

// New 构建Logger，不修改全局实例
func New(opts Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	// 开发环境使用更详细的日志
	if opts.Development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.Level = zap.NewAtomicLevelAt(parseLevel(opts.Level))

	log, err := config.Build()
	if err != nil {
		return nil, err
	}
	if opts.Service != "" {
		log = log.With(zap.String("service", opts.Service))
	}
	return log, nil
}

// InitLogger 初始化全局日志
func InitLogger(opts Options) (*zap.Logger, error) {
	log, err := New(opts)
	if err != nil {
		return nil, err
	}
	Logger = log
	zap.ReplaceGlobals(Logger)
	return Logger, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger 获取Logger实例
func GetLogger() *zap.Logger {
	if Logger == nil {
		// 如果没有初始化，使用默认配置
		Logger, _ = zap.NewProduction()
	}
	return Logger
}

// Sync 同步日志缓冲区
func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Info 记录Info级别日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Error 记录Error级别日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// Warn 记录Warn级别日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Fatal 记录Fatal级别日志并退出程序
func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}
