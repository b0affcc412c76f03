package badgerdb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// SlogLogger adapts a slog.Logger to badger.Logger.
type SlogLogger struct {
	Logger *slog.Logger
}

func (l SlogLogger) log(level slog.Level, format string, args ...any) {
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	l.Logger.Log(context.Background(), level, msg, slog.String("component", "badger"))
}

func (l SlogLogger) Errorf(format string, args ...any) {
	l.log(slog.LevelError, format, args...)
}

func (l SlogLogger) Warningf(format string, args ...any) {
	l.log(slog.LevelWarn, format, args...)
}

func (l SlogLogger) Infof(format string, args ...any) {
	l.log(slog.LevelInfo, format, args...)
}

func (l SlogLogger) Debugf(format string, args ...any) {
	l.log(slog.LevelDebug, format, args...)
}
