package scheduler

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/amirphl/lead-dispatch/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the scheduler logger. Depending on cfg.Output it writes to stdout, to a
// size-rotated file, or to both. The returned closer releases the file, if any.
func NewLogger(cfg config.LoggingConfig) (*log.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}

	if cfg.Output == "stdout" || cfg.Output == "both" || cfg.Output == "" {
		writers = append(writers, os.Stdout)
	}
	if cfg.Output == "file" || cfg.Output == "both" {
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("scheduler log file path is empty")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		writers = append(writers, rotating)
		closer = rotating
	}

	// log.Logger is goroutine-safe; include timestamps with microseconds and UTC
	return log.New(io.MultiWriter(writers...), "scheduler ", log.LstdFlags|log.Lmicroseconds|log.LUTC), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
