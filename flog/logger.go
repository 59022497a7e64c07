// Package flog is the control plane's structured logging layer: a
// thin wrapper over zap with lumberjack-backed file rotation and an
// optional console tee, component-tagged so every log line carries
// which of the registry/broker/discovery subsystems emitted it.
package flog

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level = int8

// Consistent with zap
const (
	DebugLevel = Level(zapcore.DebugLevel)
	InfoLevel  = Level(zapcore.InfoLevel)
	WarnLevel  = Level(zapcore.WarnLevel)
	ErrorLevel = Level(zapcore.ErrorLevel)
	PanicLevel = Level(zapcore.PanicLevel)
	FatalLevel = Level(zapcore.FatalLevel)
)

type EncoderConfigType string

const (
	Nil                      EncoderConfigType = ""
	DevelopmentEncoderConfig EncoderConfigType = "development"
	ProductionEncoderConfig  EncoderConfigType = "production"
)

type LevelEnablerFunc func(Level) bool

// Options configures a Logger. Filename left empty disables file
// output, which is the common case in tests and in example/.
type Options struct {
	LogLevel          Level
	EncoderConfigType EncoderConfigType
	EncoderConfig     zapcore.EncoderConfig
	CallerSkip        int
	Console           bool
	Filename          string
	MaxSize           int
	MaxAge            int
	MaxBackups        int
	LocalTime         bool
	Compress          bool
	Tees              []TeeOption
	ZapOptions        []zap.Option
}

var std *Logger

type Logger struct {
	l  *zap.Logger
	al *zap.AtomicLevel
}

func New(opt Options) *Logger {
	var cfg zapcore.EncoderConfig
	switch opt.EncoderConfigType {
	case Nil:
		cfg = opt.EncoderConfig
	case ProductionEncoderConfig:
		cfg = zap.NewProductionEncoderConfig()
	case DevelopmentEncoderConfig:
		cfg = zap.NewDevelopmentEncoderConfig()
	default:
		cfg = zap.NewProductionEncoderConfig()
	}

	if opt.EncoderConfigType != Nil {
		cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format(time.RFC3339Nano))
		}
	}

	al := zap.NewAtomicLevelAt(zapcore.Level(opt.LogLevel))

	cores := NewTee(opt.Tees, cfg)

	if opt.Filename != "" {
		syncer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opt.Filename,
			MaxSize:    opt.MaxSize,
			MaxBackups: opt.MaxBackups,
			MaxAge:     opt.MaxAge,
			LocalTime:  opt.LocalTime,
			Compress:   opt.Compress,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(cfg), syncer, al))
	}

	// Fall back to console when nothing else was configured, so a
	// composition root that forgets Console still gets diagnostics.
	if opt.Console || len(cores) == 0 {
		syncer := zapcore.AddSync(os.Stdout)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(cfg), syncer, al))
	}

	opts := opt.ZapOptions
	opts = append(opts, zap.AddCaller())

	if opt.CallerSkip > 0 {
		opts = append(opts, zap.AddCallerSkip(opt.CallerSkip))
	} else {
		opts = append(opts, zap.AddCallerSkip(1))
	}

	return &Logger{
		l:  zap.New(zapcore.NewTee(cores...), opts...),
		al: &al,
	}
}

func Init(opt Options) {
	std = New(opt)
}

type Field = zap.Field

func String(key, val string) Field               { return zap.String(key, val) }
func Int(key string, val int) Field               { return zap.Int(key, val) }
func Err(err error) Field                         { return zap.Error(err) }
func Duration(key string, d time.Duration) Field  { return zap.Duration(key, d) }

func (l *Logger) SetLevel(level Level) {
	if l == nil || l.al == nil {
		return
	}
	l.al.SetLevel(zapcore.Level(level))
}

// With returns a child logger tagged with component, so every
// message it emits can be attributed to a specific subsystem without
// every call site repeating a "component" field. Safe to call on a
// nil receiver so a constructor can always write log = log.With(...)
// without first checking whether a logger was supplied.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{l: l.l.With(zap.String("component", component)), al: l.al}
}

func (l *Logger) Sugar() *zap.SugaredLogger {
	if l == nil {
		return nil
	}
	return l.l.Sugar()
}

func (l *Logger) Debug(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.l.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.l.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.l.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.l.Error(msg, fields...)
}

func (l *Logger) Panic(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.l.Panic(msg, fields...)
}

func (l *Logger) Fatal(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.l.Fatal(msg, fields...)
}

func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.l.Sync()
}

func (l *Logger) Logger() *zap.Logger {
	if l == nil {
		return nil
	}
	return l.l
}

func Default() *Logger         { return std }
func ReplaceDefault(l *Logger) { std = l }
func SetLevel(level Level)     { std.SetLevel(level) }

func Debug(msg string, fields ...Field) { std.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { std.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { std.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { std.Error(msg, fields...) }
func Panic(msg string, fields ...Field) { std.Panic(msg, fields...) }
func Fatal(msg string, fields ...Field) { std.Fatal(msg, fields...) }

func Sync() error { return std.Sync() }
