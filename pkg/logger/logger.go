package logger

import (
	"log"
	"log/slog"
)

// New returns a stdlib *log.Logger that writes through base, tagged with
// component, for libraries that only accept a *log.Logger.
func New(base *slog.Logger, component string) *log.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.NewLogLogger(base.With("component", component).Handler(), slog.LevelInfo)
}
