package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

func newLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Logger returns the configured logrus logger.
func (c *Config) Logger() *logrus.Logger {
	if c.logger == nil {
		c.logger = newLogger(c.Logging.Level)
	}
	return c.logger
}

// Log logs a message if level is within the configured verbosity.
// Level 0 always passes the verbosity check and is logged at info, the
// default logrus level; higher levels are debug detail.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if level > c.Logging.Verbosity {
		return
	}
	entry := c.Logger().WithField("v", level)
	if level == 0 {
		entry.Infof(format, args...)
		return
	}
	entry.Debugf(format, args...)
}
