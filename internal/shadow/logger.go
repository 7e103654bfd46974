// Package shadow records legacy-versus-new comparisons without ever
// slowing down or failing the authoritative path.
package shadow

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Sink persists diff records. The store implements it.
type Sink interface {
	AppendShadowDiff(ctx context.Context, rec *model.ShadowDiffRecord) error
}

// Options bounds the logger.
type Options struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// Logger queues diff records onto a bounded buffer drained by a single
// background writer. A full buffer drops the record.
type Logger struct {
	sink         Sink
	writeTimeout time.Duration

	queue   chan *model.ShadowDiffRecord
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewLogger starts the background writer. Close must be called to stop it.
func NewLogger(sink Sink, opts Options) *Logger {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	l := &Logger{
		sink:         sink,
		writeTimeout: opts.WriteTimeout,
		queue:        make(chan *model.ShadowDiffRecord, opts.BufferSize),
		done:         make(chan struct{}),
	}
	go l.run()
	return l
}

// Log records one comparison. It never blocks and never returns an error.
func (l *Logger) Log(kind, entityID, projectID string, oldResult, newResult any, summary map[string]any) {
	rec, err := newRecord(kind, entityID, projectID, oldResult, newResult, summary)
	if err != nil {
		l.failed.Add(1)
		zap.L().Warn("shadow: marshal diff", zap.String("kind", kind), zap.Error(err))
		return
	}

	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.queue <- rec:
	default:
		l.dropped.Add(1)
		zap.L().Warn("shadow: buffer full, dropping diff",
			zap.String("kind", kind),
			zap.String("project_id", projectID),
		)
	}
}

// Dropped returns how many records were discarded because the buffer was
// full or the logger was closed.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Written returns how many records reached the sink.
func (l *Logger) Written() int64 { return l.written.Load() }

// Failed returns how many records could not be marshalled or written.
func (l *Logger) Failed() int64 { return l.failed.Load() }

// Close stops accepting records and waits for queued ones to be written,
// or for ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	l.closeMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.closeMu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "shadow: close")
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for rec := range l.queue {
		l.write(rec)
	}
}

func (l *Logger) write(rec *model.ShadowDiffRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()
	if err := l.sink.AppendShadowDiff(ctx, rec); err != nil {
		l.failed.Add(1)
		zap.L().Warn("shadow: write diff",
			zap.String("kind", rec.Kind),
			zap.String("id", rec.ID),
			zap.Error(err),
		)
		return
	}
	l.written.Add(1)
}

func newRecord(kind, entityID, projectID string, oldResult, newResult any, summary map[string]any) (*model.ShadowDiffRecord, error) {
	oldJSON, err := json.Marshal(oldResult)
	if err != nil {
		return nil, eris.Wrap(err, "shadow: marshal old result")
	}
	newJSON, err := json.Marshal(newResult)
	if err != nil {
		return nil, eris.Wrap(err, "shadow: marshal new result")
	}
	if summary == nil {
		summary = map[string]any{}
	}
	return &model.ShadowDiffRecord{
		ID:          uuid.NewString(),
		Kind:        kind,
		EntityID:    entityID,
		ProjectID:   projectID,
		OldResult:   oldJSON,
		NewResult:   newJSON,
		DiffSummary: summary,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
