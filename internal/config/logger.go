package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger 初始化全局日志系统
func InitLogger(cfg *Config) error {
	return configureLogger(logrus.StandardLogger(), cfg.Log)
}

// NewLogger builds a standalone logger for injection into services.
func NewLogger(cfg LogConfig) (*logrus.Logger, error) {
	l := logrus.New()
	if err := configureLogger(l, cfg); err != nil {
		return nil, err
	}
	return l, nil
}

func configureLogger(l *logrus.Logger, cfg LogConfig) error {
	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.Warnf("Invalid log level '%s', using 'info'", cfg.Level)
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	// 设置日志格式
	switch strings.ToLower(cfg.Format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	// 设置日志输出
	switch strings.ToLower(cfg.Output) {
	case "file":
		w, err := rotatingWriter(cfg)
		if err != nil {
			return err
		}
		l.SetOutput(w)
	case "both":
		w, err := rotatingWriter(cfg)
		if err != nil {
			return err
		}
		l.SetOutput(io.MultiWriter(os.Stdout, w))
	default:
		l.SetOutput(os.Stdout)
	}

	l.Debugf("Logger initialized - Level: %s, Format: %s, Output: %s", cfg.Level, cfg.Format, cfg.Output)
	return nil
}

func rotatingWriter(cfg LogConfig) (io.Writer, error) {
	// 创建日志目录
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}
