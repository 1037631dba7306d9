// Package audit writes the per-request audit trail. The writer is
// fire-and-forget from the pipeline's perspective: a failing or slow
// audit sink must never change or delay a response that has already
// been computed, so records flow through a buffered channel into a
// single worker goroutine, and failures land in the process log only.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/nvelloso/apigate/internal/domain"
	"github.com/nvelloso/apigate/internal/store"
)

// Logger appends audit records to an AuditStore asynchronously.
type Logger struct {
	sink    store.AuditStore
	logger  *slog.Logger
	records chan *domain.AuditRecord
	done    chan struct{}
}

// New creates a Logger with the given queue depth and starts its
// worker. Close must be called to flush pending records.
func New(sink store.AuditStore, logger *slog.Logger, bufferSize int) *Logger {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	l := &Logger{
		sink:    sink,
		logger:  logger,
		records: make(chan *domain.AuditRecord, bufferSize),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues one audit record. It never blocks: when the queue is
// full the record is dropped and counted in the process log, which is
// preferable to stalling the response path on a slow sink.
func (l *Logger) Record(rec *domain.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	select {
	case l.records <- rec:
	default:
		l.logger.Warn("audit queue full, dropping record",
			slog.String("credential", rec.Credential),
			slog.String("route", rec.RouteSlug),
			slog.Int("status", rec.StatusCode),
		)
	}
}

// run drains the queue until Close.
func (l *Logger) run() {
	defer close(l.done)
	for rec := range l.records {
		// Each append gets its own deadline so one stuck write cannot
		// wedge the worker forever.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.sink.Append(ctx, rec); err != nil {
			l.logger.Error("audit append failed",
				slog.String("credential", rec.Credential),
				slog.String("route", rec.RouteSlug),
				slog.Int("status", rec.StatusCode),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// Close stops accepting records and waits for the queue to drain.
func (l *Logger) Close() {
	close(l.records)
	<-l.done
}
