// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Init installs a JSON slog handler as the default logger. Records go to
// stdout and, when filePath is set, to a size-rotated file. The returned
// close func flushes and closes the file.
func Init(level slog.Level, filePath string, stdout io.Writer) (func() error, error) {
	if stdout == nil {
		stdout = os.Stdout
	}

	out := stdout
	closeFn := func() error { return nil }

	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
			return nil, err
		}
		rotating := &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(stdout, rotating)
		closeFn = rotating.Close
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}
