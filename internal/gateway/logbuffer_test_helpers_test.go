package gateway

import (
	"context"
	"log/slog"
	"time"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func recordWithMessage(c byte) slog.Record {
	return slog.NewRecord(time.Now(), slog.LevelInfo, string([]byte{c}), 0)
}
