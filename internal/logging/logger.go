package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func init() {
	Log = logrus.New()
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	Log.SetOutput(os.Stdout)
	Log.SetLevel(logrus.InfoLevel)
}

// Configure applies the level ("debug", "info", ...) and format ("json" or "text") to Log.
// Empty values keep the current setting.
func Configure(level, format string) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		Log.SetLevel(lvl)
	}

	switch strings.ToLower(format) {
	case "", "json":
		Log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log format: unknown %q", format)
	}
	return nil
}

// WithTrace returns an entry tagged with the given trace id
func WithTrace(traceID string) *logrus.Entry {
	return Log.WithField("trace_id", traceID)
}
