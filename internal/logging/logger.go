// Package logging installs an asynchronous slog handler so that logging
// from the reactor, fiber, and timer hot paths never blocks on I/O.
//
// Grounded on original_source/poseidon/static/async_logger.cpp: a single
// background goroutine owns the sink and drains a bounded queue of
// records; producers never touch the sink directly. Overflow is handled
// by dropping the incoming record and counting the drop, rather than
// blocking the caller, since a hot-path logger must never apply
// backpressure to the scheduler that is trying to log a warning about
// backpressure.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// Handler is a slog.Handler that hands records off to a background
// goroutine instead of writing them inline.
type Handler struct {
	queue   chan slog.Record
	inner   slog.Handler
	dropped atomic.Int64
	level   slog.Leveler
	closed  atomic.Bool
}

// Config controls the async logger's behaviour.
type Config struct {
	Level      slog.Leveler
	Format     string // "text" or "json"
	BufferSize int
	Output     *os.File
}

// NewHandler builds and starts the async handler. Call Close to flush and
// stop the background goroutine on shutdown.
func NewHandler(cfg Config) *Handler {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Level == nil {
		cfg.Level = slog.LevelInfo
	}

	var inner slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "json" {
		inner = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		inner = slog.NewTextHandler(cfg.Output, opts)
	}

	h := &Handler{
		queue: make(chan slog.Record, cfg.BufferSize),
		inner: inner,
		level: cfg.Level,
	}
	go h.thread_loop()
	return h
}

// Install configures slog's process-wide default logger to use h.
func (h *Handler) Install() {
	slog.SetDefault(slog.New(h))
}

func (h *Handler) thread_loop() {
	for r := range h.queue {
		_ = h.inner.Handle(context.Background(), r)
	}
}

// Enabled reports whether records at the given level should be queued.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle queues the record for asynchronous emission. Never blocks: if the
// queue is full the record is dropped and the drop counter incremented.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.closed.Load() {
		return nil
	}
	select {
	case h.queue <- r.Clone():
		return nil
	default:
		h.dropped.Add(1)
		return nil
	}
}

// WithAttrs and WithGroup delegate to the inner handler's formatting rules
// but keep routing through the same queue.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{queue: h.queue, inner: h.inner.WithAttrs(attrs), level: h.level}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{queue: h.queue, inner: h.inner.WithGroup(name), level: h.level}
}

// Dropped returns the number of records dropped due to a full queue.
func (h *Handler) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops accepting new records and, once the last in-flight Handle
// call has returned, drains the queue and stops the background goroutine.
func (h *Handler) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.queue)
	}
}
