// Package docslog wraps go.uber.org/zap with the field conventions the
// storage engine and sync actor use for dropped-entry events, bad-peer
// penalties, and session lifecycle logging.
package docslog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin façade over *zap.Logger so callers depend on this
// package rather than importing zap directly everywhere.
type Logger struct {
	z *zap.Logger
}

// New builds a production-configured Logger at the given level.
func New(level zapcore.Level) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// Nop returns a Logger that discards everything, for tests and callers
// that don't configure logging.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Sync() error { return l.z.Sync() }

// DroppedEntry logs a signed entry that failed validation and was
// discarded locally rather than poisoning the sync session.
func (l *Logger) DroppedEntry(op string, kind string, reason string) {
	l.z.Warn("dropped invalid entry",
		zap.String("op", op),
		zap.String("kind", kind),
		zap.String("reason", reason),
	)
}

// BadPeerPenalized logs that a peer's bad-entry counter advanced.
func (l *Logger) BadPeerPenalized(op string, count, limit int) {
	l.z.Warn("peer sent invalid entry",
		zap.String("op", op),
		zap.Int("bad_entry_count", count),
		zap.Int("limit", limit),
	)
}

// SessionStarted logs the start of a live-sync session. sessionID
// correlates this line with the matching SessionFinished call.
func (l *Logger) SessionStarted(sessionID, namespace, peer, origin string) {
	l.z.Info("sync session started",
		zap.String("session_id", sessionID),
		zap.String("namespace", namespace),
		zap.String("peer", peer),
		zap.String("origin", origin),
	)
}

// SessionFinished logs a sync session's terminal outcome.
func (l *Logger) SessionFinished(sessionID, namespace, peer string, sent, received int, err error) {
	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("namespace", namespace),
		zap.String("peer", peer),
		zap.Int("sent", sent),
		zap.Int("received", received),
	}
	if err != nil {
		l.z.Warn("sync session finished with error", append(fields, zap.Error(err))...)
		return
	}
	l.z.Info("sync session finished", fields...)
}

// DanglingDefaultAuthor logs a persisted default-author pointer that no
// longer resolves to a known author; it is treated as unset, not a
// failure.
func (l *Logger) DanglingDefaultAuthor(author string) {
	l.z.Warn("default author pointer does not resolve to a known author, treating as unset",
		zap.String("author", author),
	)
}

// MigrationRefused logs that a failed on-disk migration refused to open
// rather than risk a half-migrated file.
func (l *Logger) MigrationRefused(path string, fromVersion, toVersion int, err error) {
	l.z.Error("refusing to open store: migration failed, source file preserved",
		zap.String("path", path),
		zap.Int("from_version", fromVersion),
		zap.Int("to_version", toVersion),
		zap.Error(err),
	)
}
