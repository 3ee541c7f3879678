package cli

import (
	"io"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/config"
)

const logFileName = "meeting-notes.log"

// NewLogger logs JSON to console and to a size-rotated file in LogDir. The
// returned closer flushes the file.
func NewLogger(cfg *config.Config, console io.Writer) (zerolog.Logger, io.Closer) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, logFileName),
		MaxSize:    cfg.LogFileMaxMB,
		MaxBackups: cfg.LogFileBackups,
	}

	w := zerolog.MultiLevelWriter(console, file)
	log := zerolog.New(w).With().Timestamp().Logger().Level(level)
	return log, file
}
