package logger

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger = logrus.New()
	once   sync.Once
)

// Fields is re-exported so callers don't need to import logrus.
type Fields = logrus.Fields

// Options controls where and how much footfall logs.
type Options struct {
	Level string
	// File enables a rotating log file next to stderr.
	File    string
	NoColor bool
}

// Setup configures the shared logger. Only the first call has any effect.
func Setup(opts Options) (*logrus.Logger, error) {
	var err error
	once.Do(func() {
		level := logrus.InfoLevel
		if opts.Level != "" {
			level, err = logrus.ParseLevel(opts.Level)
			if err != nil {
				err = fmt.Errorf("invalid log level %q: %w", opts.Level, err)
				return
			}
		}
		logger.SetLevel(level)

		logger.SetFormatter(&formatter.Formatter{
			NoColors:        opts.NoColor,
			TimestampFormat: "02 Jan 06 - 15:04:05",
			HideKeys:        false,
			CallerFirst:     true,
			CustomCallerFormatter: func(f *runtime.Frame) string {
				s := strings.Split(f.Function, ".")
				funcName := s[len(s)-1]
				return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
			},
		})

		writers := []io.Writer{os.Stderr}
		if opts.File != "" {
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				LocalTime:  true,
				Compress:   true,
				MaxSize:    100,
				MaxAge:     7,
				MaxBackups: 3,
			})
		}
		logger.SetOutput(io.MultiWriter(writers...))
		logger.SetReportCaller(level >= logrus.DebugLevel)
	})
	return logger, err
}

// Get returns the shared logger. It logs at info level to stderr until Setup runs.
func Get() *logrus.Logger {
	return logger
}

// With is shorthand for Get().WithFields.
func With(fields Fields) *logrus.Entry {
	return logger.WithFields(fields)
}
