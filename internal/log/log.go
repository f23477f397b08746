package log

import (
	"go.uber.org/zap"
)

// Logger embeds the structured zap logger so call sites pass typed fields
// (zap.String, zap.Error) instead of loosely formatted arguments.
type Logger struct {
	*zap.Logger
}

func NewLogger() *Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return &Logger{logger}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap.NewNop()}
}

// Named returns a child logger tagged with the component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{l.Logger.Named(component)}
}
