package logger

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultLogPath is used when file output is selected without a path.
const DefaultLogPath = "./logs/inventory-notify.log"

// FileConfig holds configuration for file-based log output with rotation.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxFiles   int
	MaxAgeDays int
}

// NewFileWriter returns a size-rotated log file writer. Rotated files are
// gzip compressed.
func NewFileWriter(cfg FileConfig) io.Writer {
	if cfg.Path == "" {
		cfg.Path = DefaultLogPath
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxFiles,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}
