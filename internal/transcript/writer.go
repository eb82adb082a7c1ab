package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/shared"
)

// Default writer timings.
const (
	DefaultAppendTimeout = 5 * time.Second
	DefaultDrainTimeout  = 10 * time.Second
)

// Appender persists a single transcript line.
type Appender interface {
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error
}

// WriterConfig controls per-message and shutdown deadlines.
type WriterConfig struct {
	AppendTimeout time.Duration
	DrainTimeout  time.Duration
	Retry         shared.RetryPolicy
}

// Writer consumes the queue and appends each message to the store, one at a
// time and in queue order. Failed appends are logged and skipped.
type Writer struct {
	queue  *Queue
	repo   Appender
	cfg    WriterConfig
	logger *slog.Logger

	written atomic.Int64
	failed  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a writer over queue. Zero config values take defaults.
func NewWriter(queue *Queue, repo Appender, cfg WriterConfig, logger *slog.Logger) *Writer {
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultAppendTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = shared.DefaultRetryPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		queue:  queue,
		repo:   repo,
		cfg:    cfg,
		logger: logger.With("component", "transcript-writer"),
	}
}

// Start runs the writer in a background goroutine until Close is called.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.Run(ctx)
	}()
}

// Run processes messages until ctx is cancelled or the queue is closed and
// empty. On cancellation the remaining backlog is drained best-effort.
func (w *Writer) Run(ctx context.Context) {
	w.logger.Info("transcript writer started")

	for {
		if ctx.Err() != nil {
			w.drain()
			return
		}

		msg, err := w.queue.Dequeue(ctx)
		if errors.Is(err, ErrQueueClosed) {
			w.logger.Info("transcript writer stopping", "reason", "queue closed")
			return
		}
		if err != nil {
			w.drain()
			return
		}
		w.write(msg)
	}
}

func (w *Writer) write(msg *domain.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AppendTimeout)
	defer cancel()

	start := time.Now()
	err := shared.RetryOnConflict(ctx, w.cfg.Retry, "append message", func(ctx context.Context) error {
		return w.repo.AppendMessage(ctx, msg)
	})
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("failed to persist chat message",
			"error", err,
			"session_id", msg.SessionID,
			"sender_role", msg.SenderRole,
		)
		return
	}
	w.written.Add(1)

	if d := time.Since(start); d > time.Second {
		w.logger.Warn("slow transcript append", "session_id", msg.SessionID, "duration_ms", d.Milliseconds())
	}
}

// drain attempts each remaining message once within the drain timeout.
func (w *Writer) drain() {
	remaining := w.queue.Len()
	w.logger.Info("transcript writer draining", "queue_remaining", remaining)

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()

	drained := 0
	for {
		msg, ok := w.queue.TryDequeue()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			dropped := w.queue.Len() + 1
			w.failed.Add(int64(dropped))
			w.logger.Warn("drain timeout, dropping queued messages", "count", dropped)
			return
		}

		appendCtx, appendCancel := context.WithTimeout(ctx, w.cfg.AppendTimeout)
		err := w.repo.AppendMessage(appendCtx, msg)
		appendCancel()
		if err != nil {
			w.failed.Add(1)
			w.logger.Error("failed to persist chat message during drain",
				"error", err,
				"session_id", msg.SessionID,
			)
			continue
		}
		w.written.Add(1)
		drained++
	}

	w.logger.Info("transcript writer drained", "count", drained)
}

// Close cancels the writer and waits for the drain to finish.
func (w *Writer) Close() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()

	wait := w.cfg.DrainTimeout + w.cfg.AppendTimeout
	select {
	case <-done:
		w.logger.Info("transcript writer stopped gracefully")
		return nil
	case <-time.After(wait):
		return fmt.Errorf("transcript writer did not stop within %s", wait)
	}
}

// Stats returns writer counters.
func (w *Writer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queue_len": w.queue.Len(),
		"written":   w.written.Load(),
		"failed":    w.failed.Load(),
	}
}
