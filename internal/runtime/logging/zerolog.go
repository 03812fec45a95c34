package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options selects the backend used by New.
type Options struct {
	// Format is "json" (zerolog), "console" (zerolog pretty) or "text" (slog text).
	Format string
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// New builds a ServiceLogger and the slog.Logger behind it. The slog logger
// is handed to libraries that log through slog directly, such as the suture
// event hook.
func New(opts Options) (ServiceLogger, *slog.Logger) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var slogger *slog.Logger
	switch strings.ToLower(opts.Format) {
	case "text":
		slogger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseSlogLevel(opts.Level)}))
	case "console":
		zl := zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger().Level(parseZerologLevel(opts.Level))
		slogger = slog.New(NewZerologHandler(zl))
	default:
		zl := zerolog.New(out).With().Timestamp().Logger().Level(parseZerologLevel(opts.Level))
		slogger = slog.New(NewZerologHandler(zl))
	}
	return NewSlogServiceLogger(slogger), slogger
}

// NewZerologServiceLogger routes ServiceLogger output into zerolog.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewZerologServiceLogger(zl zerolog.Logger) ServiceLogger {
	return NewSlogServiceLogger(slog.New(NewZerologHandler(zl)))
}

// ZerologHandler implements slog.Handler on top of a zerolog.Logger.
type ZerologHandler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
	groups []string
}

// NewZerologHandler creates a slog.Handler writing through zl.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewZerologHandler(zl zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: zl}
}

func (h *ZerologHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.GetLevel() <= slogToZerologLevel(level)
}

//nolint:gocritic // slog.Record is passed by value per slog.Handler interface
func (h *ZerologHandler) Handle(_ context.Context, record slog.Record) error {
	event := h.logger.WithLevel(slogToZerologLevel(record.Level))
	if event == nil {
		return nil
	}
	for _, attr := range h.attrs {
		event = addAttr(event, attr, h.groups)
	}
	record.Attrs(func(attr slog.Attr) bool {
		event = addAttr(event, attr, h.groups)
		return true
	})
	event.Msg(record.Message)
	return nil
}

func (h *ZerologHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ZerologHandler{logger: h.logger, attrs: merged, groups: h.groups}
}

func (h *ZerologHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &ZerologHandler{logger: h.logger, attrs: h.attrs, groups: groups}
}

func addAttr(event *zerolog.Event, attr slog.Attr, groups []string) *zerolog.Event {
	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	switch attr.Value.Kind() {
	case slog.KindString:
		return event.Str(key, attr.Value.String())
	case slog.KindInt64:
		return event.Int64(key, attr.Value.Int64())
	case slog.KindUint64:
		return event.Uint64(key, attr.Value.Uint64())
	case slog.KindFloat64:
		return event.Float64(key, attr.Value.Float64())
	case slog.KindBool:
		return event.Bool(key, attr.Value.Bool())
	case slog.KindDuration:
		return event.Dur(key, attr.Value.Duration())
	case slog.KindTime:
		return event.Time(key, attr.Value.Time())
	case slog.KindGroup:
		nested := append(append([]string(nil), groups...), attr.Key)
		for _, ga := range attr.Value.Group() {
			event = addAttr(event, ga, nested)
		}
		return event
	default:
		if err, ok := attr.Value.Any().(error); ok {
			return event.AnErr(key, err)
		}
		return event.Interface(key, attr.Value.Any())
	}
}

// slog has no trace level; watermill's slog adapter logs trace below debug.
func slogToZerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelDebug:
		return zerolog.TraceLevel
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func parseZerologLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func parseSlogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
