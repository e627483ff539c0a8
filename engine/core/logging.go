package core

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var once sync.Once

type logger struct {
	*log.Logger
}

var singleton *logger

func getLogger() *logger {
	if singleton == nil {
		once.Do(
			func() {
				singleton = &logger{newLogger(os.Stderr, log.InfoLevel, "pipeforge ⚙️ ")}
			})
	}
	return singleton
}

func newLogger(w io.Writer, level log.Level, prefix string) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          prefix,
	})
	l.SetLevel(level)
	return l
}

// ConfigureLogger sets the level and output of the process logger. An empty
// level keeps the current one.
func ConfigureLogger(cfg LogConfig, w io.Writer) error {
	l := getLogger()
	if w != nil {
		l.SetOutput(w)
	}
	if cfg.Level == "" {
		return nil
	}
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	return nil
}

// Logger exposes the underlying structured logger for key/value logging.
func Logger() *log.Logger {
	return getLogger().Logger
}

func LogDebug(msg string, args ...interface{}) {
	getLogger().Debugf(msg, args...)
}

func LogInfo(msg string, args ...interface{}) {
	getLogger().Infof(msg, args...)
}

func LogWarn(msg string, args ...interface{}) {
	getLogger().Warnf(msg, args...)
}

func LogError(msg string, args ...interface{}) {
	getLogger().Errorf(msg, args...)
}
