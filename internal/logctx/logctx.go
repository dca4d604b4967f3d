package logctx

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Handler decorates records with the session and request found in the
// context and drops records whose level is switched off in Levels.
type Handler struct {
	slog.Handler
	Levels *Levels
}

func (h Handler) Enabled(ctx context.Context, l slog.Level) bool {
	if h.Levels != nil && !h.Levels.allows(l) {
		return false
	}
	return h.Handler.Enabled(ctx, l)
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("rqid", rd.RequestID),
			slog.String("command", rd.Command),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("client", sd.ClientID),
			slog.String("user", sd.UserName),
			slog.Bool("elevated", sd.Elevated),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs), Levels: h.Levels}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name), Levels: h.Levels}
}

// Levels are the runtime logging switches flipped by set-logging. Messages
// covers info and debug records.
type Levels struct {
	messages atomic.Bool
	warnings atomic.Bool
	errors   atomic.Bool
}

// NewLevels returns Levels with every category enabled.
func NewLevels() *Levels {
	l := &Levels{}
	l.Set(true, true, true)
	return l
}

// Set replaces all three switches.
func (l *Levels) Set(messages, warnings, errors bool) {
	l.messages.Store(messages)
	l.warnings.Store(warnings)
	l.errors.Store(errors)
}

func (l *Levels) Messages() bool { return l.messages.Load() }
func (l *Levels) Warnings() bool { return l.warnings.Load() }
func (l *Levels) Errors() bool   { return l.errors.Load() }

func (l *Levels) allows(level slog.Level) bool {
	switch {
	case level >= slog.LevelError:
		return l.errors.Load()
	case level >= slog.LevelWarn:
		return l.warnings.Load()
	}
	return l.messages.Load()
}

type requestDataKey struct{}

type RequestData struct {
	RequestID string
	Command   string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	ClientID  string
	UserName  string
	Elevated  bool
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
