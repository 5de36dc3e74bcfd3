package async

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/db"
	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

// DefaultStopTimeout bounds how long Stop waits for running handlers
const DefaultStopTimeout = 30 * time.Second

// Observer receives job outcomes. Implemented by the metrics package.
type Observer interface {
	JobStarted(jobType string)
	JobFinished(jobType, status string, elapsed time.Duration)
}

// pulseLogger wraps zap.SugaredLogger with methods for worker lifecycle
// events. Starting logs at DEBUG and Closing at WARN so they stand out.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// WorkerConfig contains configuration for a worker
type WorkerConfig struct {
	Service     string        // pending queue to serve
	Workers     int           // concurrent jobs
	StopTimeout time.Duration // 0 = DefaultStopTimeout
}

// Worker serves one service's pending queue. Every job linked into the
// queue is handled once by the handler registered for its type, then its
// link moves to the success or failure day-index.
type Worker struct {
	client   store.Client
	registry *HandlerRegistry
	ledger   *Ledger
	observer Observer
	cfg      WorkerConfig
	shape    tree.Tree
	logger   pulseLogger
	now      func() time.Time

	sem      chan struct{}
	mu       sync.Mutex
	inflight map[string]struct{}
	active   int
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorker creates a worker. Register handlers on registry before Start.
func NewWorker(client store.Client, registry *HandlerRegistry, cfg WorkerConfig, log *zap.SugaredLogger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Worker{
		client:   client,
		registry: registry,
		cfg:      cfg,
		shape:    tree.MustGet(tree.Jobs),
		logger:   pulseLogger{log.Named("pulse").With(logger.FieldService, cfg.Service)},
		now:      time.Now,
		sem:      make(chan struct{}, cfg.Workers),
		inflight: make(map[string]struct{}),
	}
}

// WithLedger records every transition in l
func (w *Worker) WithLedger(l *Ledger) *Worker {
	w.ledger = l
	return w
}

// WithObserver reports job outcomes to o
func (w *Worker) WithObserver(o Observer) *Worker {
	w.observer = o
	return w
}

// Registry returns the handler registry
func (w *Worker) Registry() *HandlerRegistry {
	return w.registry
}

// Service returns the served queue name
func (w *Worker) Service() string {
	return w.cfg.Service
}

// Active returns the number of jobs currently executing
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Start watches the pending queue and handles the jobs already in it.
// It returns once the watch is established.
func (w *Worker) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	pending := store.PendingPath(w.cfg.Service)

	if _, err := w.client.Ensure(ctx, pending, map[string]interface{}{}, w.shape); err != nil {
		cancel()
		return errors.Wrapf(err, "failed to ensure %s", pending)
	}
	sub, err := w.client.Watch(ctx, pending)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "failed to watch %s", pending)
	}

	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	// Jobs queued while we were down
	existing, err := store.GetObject(ctx, w.client, pending)
	if err != nil && !errors.IsNotFoundError(err) {
		w.logger.Warnw("failed to list pending jobs", logger.FieldError, err)
	}
	for key, v := range store.StripReserved(existing) {
		w.dispatch(ctx, key, v)
	}
	w.logger.Starting("worker started", logger.FieldCount, len(existing), "workers", w.cfg.Workers)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ch, ok := <-sub.Events():
				if !ok {
					if ctx.Err() == nil {
						w.logger.Errorw("pending queue watch ended", logger.FieldPath, pending)
					}
					return
				}
				w.handleChange(ctx, ch)
			}
		}
	}()
	return nil
}

// Stop cancels running handlers and waits for them to return, up to
// the configured stop timeout. Jobs interrupted this way stay pending.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Infow("❀ worker stopped cleanly")
	case <-time.After(w.cfg.StopTimeout):
		w.logger.Closing("worker stop timed out, handlers may still be running", "timeout", w.cfg.StopTimeout)
	}
}

// handleChange dispatches every new link a change adds to the queue
func (w *Worker) handleChange(ctx context.Context, ch store.Change) {
	if ch.Type != store.ChangeMerge {
		return
	}
	rel := strings.Trim(ch.Path, "/")
	switch {
	case rel == "":
		for key, v := range store.StripReserved(ch.Body) {
			w.dispatch(ctx, key, v)
		}
	case !strings.Contains(rel, "/"):
		w.dispatch(ctx, rel, ch.Body)
	}
}

// dispatch starts the job linked at key unless it is already running
func (w *Worker) dispatch(ctx context.Context, key string, v interface{}) {
	link, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	id, ok := store.LinkID(link)
	if !ok {
		return
	}

	w.mu.Lock()
	if _, busy := w.inflight[key]; busy {
		w.mu.Unlock()
		return
	}
	w.inflight[key] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, key)
			w.mu.Unlock()
		}()

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-w.sem }()

		w.run(ctx, key, id)
	}()
}

// run executes one job and relocates its queue link
func (w *Worker) run(ctx context.Context, key, id string) {
	log := pulseLogger{w.logger.With(logger.FieldJobID, id, logger.FieldJobKey, key)}

	body, err := store.GetObject(ctx, w.client, store.ResourcePath(id))
	if err != nil {
		if errors.IsNotFoundError(err) {
			log.Warnw("pending link points at a missing job, removing it")
			w.unlink(ctx, key, log)
			return
		}
		log.Errorw("failed to fetch job", logger.FieldError, err)
		return
	}
	job, err := ParseJob(id, body)
	if err != nil {
		w.finish(ctx, &Job{ID: id, Key: key}, nil, err, log)
		return
	}
	job.Key = key
	log = pulseLogger{log.With(logger.FieldJobType, job.Type)}

	// Finished before a restart; only the relocation is missing
	if job.Status == StatusSuccess || job.Status == StatusFailure {
		w.relocate(ctx, job, job.Status == StatusSuccess, log)
		return
	}

	w.record(job, StateRunning, "", "")
	if w.observer != nil {
		w.observer.JobStarted(job.Type)
	}
	w.mu.Lock()
	w.active++
	w.mu.Unlock()

	start := w.now()
	jobCtx := logger.WithJobID(ctx, job.ID)
	result, execErr := w.registry.Execute(jobCtx, job)

	w.mu.Lock()
	w.active--
	w.mu.Unlock()

	if execErr != nil && ctx.Err() != nil {
		log.Closing("job interrupted by shutdown, left pending")
		w.record(job, StateCancelled, execErr.Error(), string(ErrorCodeCancelled))
		if w.observer != nil {
			w.observer.JobFinished(job.Type, StateCancelled, w.now().Sub(start))
		}
		return
	}

	status := w.finish(ctx, job, result, execErr, log)
	if w.observer != nil {
		w.observer.JobFinished(job.Type, status, w.now().Sub(start))
	}
}

// finish writes the outcome onto the job, posts the terminal update and
// relocates the queue link. It returns the job status written.
func (w *Worker) finish(ctx context.Context, job *Job, result map[string]interface{}, execErr error, log pulseLogger) string {
	emitter := NewUpdateEmitter(w.client, job, log.SugaredLogger)
	ok := execErr == nil

	patch := map[string]interface{}{}
	var update Update
	if ok {
		patch["status"] = StatusSuccess
		if result != nil {
			patch["result"] = result
		}
		update = NewUpdate(StatusSuccess, "")
		w.record(job, StatusSuccess, "", "")
		log.Infow("job succeeded")
	} else {
		ec := ClassifyError(job.Type, execErr)
		patch["status"] = StatusFailure
		patch["result"] = map[string]interface{}{
			"error": ec.Message,
			"code":  string(ec.Code),
		}
		update = NewUpdate(StatusError, ec.Message)
		w.record(job, StatusFailure, ec.Message, string(ec.Code))
		log.Errorw("job failed",
			logger.FieldErrorCode, ec.Code,
			logger.FieldError, execErr,
			"retryable", ec.Retryable)
	}

	if _, err := w.client.Put(ctx, job.Path(), patch); err != nil {
		log.Errorw("failed to write job outcome", logger.FieldError, err)
	}
	if _, err := emitter.Emit(ctx, update); err != nil {
		log.Errorw("failed to post final update", logger.FieldError, err)
	}
	w.relocate(ctx, job, ok, log)

	if ok {
		return StatusSuccess
	}
	return StatusFailure
}

// relocate links the job into today's success or failure index and
// removes it from pending
func (w *Worker) relocate(ctx context.Context, job *Job, ok bool, log pulseLogger) {
	queue := store.QueueFailure
	if ok {
		queue = store.QueueSuccess
	}
	dest := store.Join(store.DayIndexPath(w.cfg.Service, queue, w.now()), job.Key)
	if _, err := w.client.Put(ctx, dest, store.Link(job.ID), store.WithTree(w.shape)); err != nil {
		log.Errorw("failed to link job into day index", logger.FieldPath, dest, logger.FieldError, err)
		return
	}
	w.unlink(ctx, job.Key, log)
}

func (w *Worker) unlink(ctx context.Context, key string, log pulseLogger) {
	path := store.Join(store.PendingPath(w.cfg.Service), key)
	if err := w.client.Delete(ctx, path); err != nil && !errors.IsNotFoundError(err) {
		log.Errorw("failed to remove pending link", logger.FieldPath, path, logger.FieldError, err)
	}
}

func (w *Worker) record(job *Job, state, info, code string) {
	if w.ledger == nil {
		return
	}
	err := w.ledger.Record(Entry{
		JobID:       job.ID,
		JobKey:      job.Key,
		JobType:     job.Type,
		State:       state,
		Information: info,
		ErrorCode:   code,
	})
	switch {
	case err == nil:
	case db.IsDatabaseClosed(err):
		w.logger.Debugw("ledger closed, transition not recorded", logger.FieldJobID, job.ID, "state", state)
	default:
		w.logger.Warnw("failed to record job transition", logger.FieldJobID, job.ID, logger.FieldError, err)
	}
}
