// Package obslog wires the security monitor's structured logging. It is
// a thin wrapper over logrus, following the field-scoped logger idiom
// used throughout kata-containers' virtcontainers package (one *logrus.Entry
// per subsystem, created once and reused).
package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the global log level, e.g. from a CLI flag.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// For returns a logger scoped to a subsystem name, e.g. obslog.For("confidentialflow").
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsystem", subsystem)
}
