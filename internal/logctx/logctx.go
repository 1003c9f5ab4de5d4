package logctx

import (
	"context"
	"log/slog"
)

// Handler adds the session and scan data carried by ctx to every record
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("issuer_id", sd.IssuerID),
			slog.String("class_id", sd.ClassID),
		))
	}

	if sc, ok := ctx.Value(scanDataKey{}).(*ScanData); ok {
		r.AddAttrs(slog.Group("scan",
			slog.String("id", sc.ScanID),
			slog.String("participant_id", sc.ParticipantID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose records carry the context data
func Wrap(logger *slog.Logger) *slog.Logger {
	if _, ok := logger.Handler().(Handler); ok {
		return logger
	}
	return slog.New(Handler{Handler: logger.Handler()})
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	IssuerID  string
	ClassID   string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type scanDataKey struct{}

type ScanData struct {
	ScanID        string
	ParticipantID string
}

func WithScanData(ctx context.Context, data *ScanData) context.Context {
	return context.WithValue(ctx, scanDataKey{}, data)
}
