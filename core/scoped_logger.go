package core

import "github.com/hupe1980/careflow/logging"

// scopedLogger is embedded by RunContext and ToolContext. Every entry carries
// the attributes of the scope it was created for (agent, tool, call id).
type scopedLogger struct {
	logger logging.Logger
}

func newScopedLogger(parent logging.Logger, attrs ...any) scopedLogger {
	return scopedLogger{logger: logging.WithAttrs(logging.OrNoOp(parent), attrs...)}
}

// Logger returns the scoped logger; never nil.
func (s scopedLogger) Logger() logging.Logger {
	if s.logger == nil {
		return logging.NoOpLogger{}
	}
	return s.logger
}

func (s scopedLogger) LogDebug(msg string, args ...any) { s.Logger().Debug(msg, args...) }
func (s scopedLogger) LogInfo(msg string, args ...any)  { s.Logger().Info(msg, args...) }
func (s scopedLogger) LogWarn(msg string, args ...any)  { s.Logger().Warn(msg, args...) }
func (s scopedLogger) LogError(msg string, args ...any) { s.Logger().Error(msg, args...) }
