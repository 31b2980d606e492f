package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const colorReset = "\033[0m"

// ColorTextHandler wraps slog.TextHandler to add ANSI color codes for different log levels.
// The colored level is written ahead of the text record; TextHandler itself
// would quote escape sequences placed in the message.
type ColorTextHandler struct {
	*slog.TextHandler
	showTime bool

	mu  *sync.Mutex
	buf *bytes.Buffer
	out io.Writer
}

// NewColorTextHandler creates a new ColorTextHandler
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	user := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			switch a.Key {
			case slog.LevelKey:
				return slog.Attr{}
			case slog.TimeKey:
				if !showTime {
					return slog.Attr{}
				}
			}
		}
		if user != nil {
			return user(groups, a)
		}
		return a
	}
	buf := &bytes.Buffer{}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(buf, &o),
		showTime:    showTime,
		mu:          &sync.Mutex{},
		buf:         buf,
		out:         w,
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.TextHandler.Handle(ctx, r); err != nil {
		return err
	}
	line := make([]byte, 0, h.buf.Len()+24)
	line = append(line, levelColor(r.Level)...)
	line = append(line, r.Level.String()...)
	line = append(line, colorReset+"  "...)
	line = append(line, h.buf.Bytes()...)
	_, err := h.out.Write(line)
	return err
}

// WithAttrs implements slog.Handler
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.TextHandler = h.TextHandler.WithAttrs(attrs).(*slog.TextHandler)
	return &c
}

// WithGroup implements slog.Handler
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.TextHandler = h.TextHandler.WithGroup(name).(*slog.TextHandler)
	return &c
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // Red
	case l >= slog.LevelWarn:
		return "\033[33m" // Yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // Green
	default:
		return "\033[36m" // Cyan
	}
}
