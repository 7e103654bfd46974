// Package runner executes queued runs on a bounded worker pool. Runs are
// persisted before they are queued, so a restart loses no work: stale
// running rows are requeued and pending rows are claimed again.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/store"
)

// RunStore is the part of the store the tracker needs.
type RunStore interface {
	CreateRun(ctx context.Context, kind model.RunKind, projectID string, request json.RawMessage) (*model.Run, error)
	ClaimNextRun(ctx context.Context, workerID string, filter store.ClaimFilter) (*model.Run, error)
	UpdateRunProgress(ctx context.Context, runID, workerID string, progress int) error
	CompleteRun(ctx context.Context, runID, workerID string, result json.RawMessage) error
	FailRun(ctx context.Context, runID, workerID string, runErr *model.RunError) error
	RequeueStaleRuns(ctx context.Context, olderThan time.Time) (int64, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
}

// Handler executes one run and returns its result document.
type Handler interface {
	Handle(ctx context.Context, run *model.Run) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, run *model.Run) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, run *model.Run) (json.RawMessage, error) {
	return f(ctx, run)
}

// Options configures a Tracker.
type Options struct {
	Workers      int
	PollInterval time.Duration
	// StaleAfter is how long a running row may go without an update before
	// it is handed back to the queue.
	StaleAfter   time.Duration
	SnippetLimit int
	// WorkerPrefix names this process in worker ids.
	WorkerPrefix string
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Minute
	}
	if o.WorkerPrefix == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		o.WorkerPrefix = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
}

// Tracker queues runs in the store and executes them.
type Tracker struct {
	store    RunStore
	opts     Options
	handlers map[model.RunKind]Handler
	wake     chan struct{}

	mu        sync.Mutex
	waiters   map[string][]chan struct{}
	cancelled map[string]time.Time

	started bool
	wg      sync.WaitGroup
}

// New creates a tracker. Register handlers before Start.
func New(rs RunStore, opts Options) *Tracker {
	opts.defaults()
	return &Tracker{
		store:     rs,
		opts:      opts,
		handlers:  make(map[model.RunKind]Handler),
		wake:      make(chan struct{}, opts.Workers),
		waiters:   make(map[string][]chan struct{}),
		cancelled: make(map[string]time.Time),
	}
}

// Register binds a handler to a run kind.
func (t *Tracker) Register(kind model.RunKind, h Handler) {
	t.handlers[kind] = h
}

// kinds lists the registered run kinds. Workers claim only these, so runs
// queued for handlers this process lacks stay pending for another one.
func (t *Tracker) kinds() []model.RunKind {
	out := make([]model.RunKind, 0, len(t.handlers))
	for k := range t.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handles reports whether kind has a handler.
func (t *Tracker) Handles(kind model.RunKind) bool {
	_, ok := t.handlers[kind]
	return ok
}

// Start requeues stale runs and launches the workers. Workers stop when
// ctx is done; Wait blocks until they have.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.requeueStale(ctx)

	for i := 0; i < t.opts.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", t.opts.WorkerPrefix, i)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.work(ctx, workerID)
		}()
	}

	zap.L().Info("runner: started",
		zap.Int("workers", t.opts.Workers),
		zap.Duration("poll_interval", t.opts.PollInterval),
	)
}

// Wait blocks until every worker has exited.
func (t *Tracker) Wait() { t.wg.Wait() }

// Submit persists a pending run and wakes a worker.
func (t *Tracker) Submit(ctx context.Context, kind model.RunKind, projectID string, request any) (*model.Run, error) {
	if !t.Handles(kind) {
		return nil, eris.Errorf("runner: no handler for kind %q", kind)
	}
	raw, err := json.Marshal(request)
	if err != nil {
		return nil, eris.Wrap(err, "runner: marshal request")
	}
	run, err := t.store.CreateRun(ctx, kind, projectID, raw)
	if err != nil {
		return nil, eris.Wrap(err, "runner: submit")
	}

	select {
	case t.wake <- struct{}{}:
	default:
	}

	zap.L().Info("runner: run submitted",
		zap.String("run_id", run.ID),
		zap.String("kind", string(kind)),
		zap.String("project_id", projectID),
	)
	return run, nil
}

// Get returns the current state of a run.
func (t *Tracker) Get(ctx context.Context, runID string) (*model.Run, error) {
	return t.store.GetRun(ctx, runID)
}

// Await blocks until the run is terminal or ctx is done. Runs finished by
// this process notify directly; runs executed elsewhere are picked up by
// re-reading at the poll interval.
func (t *Tracker) Await(ctx context.Context, runID string) (*model.Run, error) {
	done := t.subscribe(runID)
	defer t.unsubscribe(runID, done)

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		run, err := t.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, eris.Wrapf(ctx.Err(), "runner: await %s", runID)
		case <-done:
		case <-ticker.C:
		}
	}
}

// Execute claims runID and runs it on the calling goroutine without starting
// the worker pool. When another process already holds the run, Execute
// waits for it instead. Either way it returns the terminal run.
func (t *Tracker) Execute(ctx context.Context, runID string) (*model.Run, error) {
	workerID := t.opts.WorkerPrefix + "-inline"
	run, err := t.store.ClaimNextRun(ctx, workerID, store.ClaimFilter{Kinds: t.kinds(), RunID: runID})
	if err != nil {
		return nil, eris.Wrapf(err, "runner: claim %s", runID)
	}
	if run != nil {
		t.execute(ctx, workerID, run)
	}
	return t.Await(ctx, runID)
}

// Cancel flags a run for cooperative cancellation. Handlers observe it
// between stages through Cancelled. A run that has not started yet fails
// as cancelled when a worker of this tracker claims it.
//
// The flag is process-local: a run executing in another process does not
// see it. Flags for runs this tracker never executes expire after
// Options.StaleAfter.
func (t *Tracker) Cancel(runID string) {
	t.mu.Lock()
	t.cancelled[runID] = time.Now()
	t.mu.Unlock()
	zap.L().Info("runner: cancel requested", zap.String("run_id", runID))
}

func (t *Tracker) isCancelled(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cancelled[runID]
	return ok
}

// pruneCancelled drops cancel flags older than cutoff.
func (t *Tracker) pruneCancelled(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, at := range t.cancelled {
		if at.Before(cutoff) {
			delete(t.cancelled, id)
			n++
		}
	}
	return n
}

func (t *Tracker) subscribe(runID string) chan struct{} {
	ch := make(chan struct{})
	t.mu.Lock()
	t.waiters[runID] = append(t.waiters[runID], ch)
	t.mu.Unlock()
	return ch
}

func (t *Tracker) unsubscribe(runID string, ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[runID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.waiters, runID)
		return
	}
	t.waiters[runID] = list
}

func (t *Tracker) notify(runID string) {
	t.mu.Lock()
	list := t.waiters[runID]
	delete(t.waiters, runID)
	delete(t.cancelled, runID)
	t.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

func (t *Tracker) work(ctx context.Context, workerID string) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		run, err := t.store.ClaimNextRun(ctx, workerID, store.ClaimFilter{Kinds: t.kinds()})
		if err != nil && ctx.Err() == nil {
			zap.L().Warn("runner: claim failed", zap.String("worker_id", workerID), zap.Error(err))
		}
		if run != nil {
			t.execute(ctx, workerID, run)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		case <-ticker.C:
			t.requeueStale(ctx)
			t.pruneCancelled(time.Now().Add(-t.opts.StaleAfter))
		}
	}
}

func (t *Tracker) requeueStale(ctx context.Context) {
	n, err := t.store.RequeueStaleRuns(ctx, time.Now().Add(-t.opts.StaleAfter))
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Warn("runner: requeue stale runs failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		zap.L().Info("runner: requeued stale runs", zap.Int64("count", n))
	}
}

func (t *Tracker) execute(ctx context.Context, workerID string, run *model.Run) {
	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("kind", string(run.Kind)),
		zap.String("project_id", run.ProjectID),
		zap.String("worker_id", workerID),
	)
	start := time.Now()

	// Terminal writes must land even when shutdown cancels ctx mid-run.
	finishCtx := context.WithoutCancel(ctx)

	h, ok := t.handlers[run.Kind]
	if !ok {
		t.fail(finishCtx, log, run, workerID, &model.RunError{
			ErrorType: model.ErrorTypeInternal,
			Message:   fmt.Sprintf("no handler for run kind %q", run.Kind),
			Category:  model.ErrorCategoryPermanent,
		})
		return
	}
	if t.isCancelled(run.ID) {
		t.fail(finishCtx, log, run, workerID, &model.RunError{
			ErrorType: model.ErrorTypeCancelled,
			Message:   "run cancelled before it started",
			Category:  model.ErrorCategoryPermanent,
		})
		return
	}

	log.Info("runner: run started")
	jc := &jobControl{tracker: t, runID: run.ID, workerID: workerID}
	result, err := t.invoke(withJob(ctx, jc), h, run)

	if err != nil && ctx.Err() != nil {
		// Shutdown: leave the row running so the next process requeues it.
		log.Warn("runner: run interrupted by shutdown", zap.Error(err))
		t.notify(run.ID)
		return
	}
	if err != nil {
		runErr := FailureFromError(err, t.opts.SnippetLimit)
		log.Error("runner: run failed",
			zap.String("error_type", runErr.ErrorType),
			zap.String("category", string(runErr.Category)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		t.fail(finishCtx, log, run, workerID, runErr)
		return
	}

	if err := t.store.CompleteRun(finishCtx, run.ID, workerID, result); err != nil {
		log.Error("runner: complete run failed", zap.Error(err))
	} else {
		log.Info("runner: run succeeded", zap.Duration("elapsed", time.Since(start)))
	}
	t.notify(run.ID)
}

func (t *Tracker) invoke(ctx context.Context, h Handler, run *model.Run) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("runner: handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, run)
}

func (t *Tracker) fail(ctx context.Context, log *zap.Logger, run *model.Run, workerID string, runErr *model.RunError) {
	if err := t.store.FailRun(ctx, run.ID, workerID, runErr); err != nil {
		log.Error("runner: fail run failed", zap.Error(err))
	}
	t.notify(run.ID)
}
