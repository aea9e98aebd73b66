// Package logging provides the minimal Logger interface used across careflow
// and adapters over log/slog.
//
// Components receive a Logger by injection and fall back to NoOpLogger when
// none is configured. Messages are dotted event names followed by key/value
// attributes:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "json"})
//	logger.Info("engine.turn.complete", "session_id", id, "duration_ms", ms)
//
// WithAttrs binds attributes such as session_id and turn_id to every entry.
package logging
