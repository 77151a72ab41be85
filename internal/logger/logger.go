// Package logger は zap を使った構造化ログのインターフェースを提供します。
package logger

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger は各コンポーネントが利用するログ出力のインターフェースです。
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Sync() error
}

// Field はログに付与するキーと値の組です。
type Field = zap.Field

type zapLogger struct {
	logger *zap.Logger
}

// New はレベルを指定して JSON 形式の Logger を作成します。
func New(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	z, err := cfg.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &zapLogger{logger: z}, nil
}

// NewNop は何も出力しない Logger を返します（テスト用）。
func NewNop() Logger {
	return &zapLogger{logger: zap.NewNop()}
}

// OrNop は nil の場合に Nop Logger を返します。
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNop()
	}
	return l
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

func (l *zapLogger) Debug(msg string, fields ...Field) { l.logger.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.logger.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.logger.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.logger.Error(msg, fields...) }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{logger: l.logger.With(fields...)}
}

func (l *zapLogger) Sync() error {
	return l.logger.Sync()
}

// String は文字列フィールドを作成します。
func String(key, val string) Field { return zap.String(key, val) }

// Int は整数フィールドを作成します。
func Int(key string, val int) Field { return zap.Int(key, val) }

// Bool は真偽値フィールドを作成します。
func Bool(key string, val bool) Field { return zap.Bool(key, val) }

// Duration は時間フィールドを作成します。
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }

// Error はキー "error" のエラーフィールドを作成します。
func Error(err error) Field { return zap.Error(err) }

// Any は任意の値のフィールドを作成します。
func Any(key string, val any) Field { return zap.Any(key, val) }
