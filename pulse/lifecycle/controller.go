// Package lifecycle follows one in-flight job from its first update to a
// terminal status.
//
// Await watches the job resource and consumes its update log as a single
// event stream. The job's current body is the stream's first element, so
// updates posted before the watch was established are not missed. The
// first terminal update ("success" or "error") ends the stream; an
// "identifying" update arms the job type's timeout, whose expiry posts an
// "error" update with information TimeoutInformation.
package lifecycle

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/store"
)

// TimeoutInformation is the information of a synthesized timeout update
const TimeoutInformation = "TimeoutError"

// TimeoutFunc returns the identifying timeout of a job type
type TimeoutFunc func(jobType string) time.Duration

// Recorder receives non-terminal transitions; *async.Ledger satisfies it
type Recorder interface {
	Record(e async.Entry) error
}

// Controller is the JobLifecycleController
type Controller struct {
	client   store.Client
	schema   *jsonschema.Schema
	recorder Recorder
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	timeouts TimeoutFunc
}

// New creates a controller
func New(client store.Client, timeouts TimeoutFunc, log *zap.SugaredLogger) (*Controller, error) {
	schema, err := compileUpdateSchema()
	if err != nil {
		return nil, err
	}
	return &Controller{
		client:   client,
		schema:   schema,
		timeouts: timeouts,
		logger:   log.Named("lifecycle"),
	}, nil
}

// WithRecorder records identifying/identified transitions in r
func (c *Controller) WithRecorder(r Recorder) *Controller {
	c.recorder = r
	return c
}

// SetTimeouts swaps the timeout source (config reload)
func (c *Controller) SetTimeouts(fn TimeoutFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts = fn
}

func (c *Controller) timeoutFor(jobType string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeouts(jobType)
}

// watch is the state of one Await call
type watch struct {
	c       *Controller
	job     *async.Job
	log     *zap.SugaredLogger
	sub     store.Subscription
	once    sync.Once
	seen    map[string]bool
	timer   *time.Timer
	expired <-chan time.Time
}

// unwatch releases the subscription; safe to call more than once
func (w *watch) unwatch() {
	w.once.Do(func() {
		if err := w.sub.Close(); err != nil {
			w.log.Debugw("unwatch failed", logger.FieldError, err)
		}
	})
}

// Await blocks until job reaches a terminal status and returns the
// terminal update. A "success" update returns a nil error. An "error"
// update returns an error marked ErrEngineReported, or ErrTimeoutUpdate
// when it was synthesized by the timeout. A malformed update fails the
// job with ErrMalformedUpdate.
func (c *Controller) Await(ctx context.Context, job *async.Job) (async.Update, error) {
	log := c.logger.With(logger.FieldJobID, job.ID, logger.FieldJobType, job.Type)

	sub, err := c.client.Watch(ctx, job.Path())
	if err != nil {
		return async.Update{}, errors.Mark(errors.Wrapf(err, "failed to watch job %s", job.ID), errors.ErrSubscription)
	}
	w := &watch{c: c, job: job, log: log, sub: sub, seen: make(map[string]bool)}
	defer w.unwatch()
	defer w.disarm()

	// Bootstrap from the body as it stands now
	body, err := store.GetObject(ctx, c.client, job.Path())
	if err != nil {
		return async.Update{}, errors.Mark(errors.Wrapf(err, "failed to read job %s", job.ID), errors.ErrSubscription)
	}
	if u, done, err := w.consume(ctx, store.Change{Type: store.ChangeMerge, Body: body}); done {
		return u, err
	}

	for {
		select {
		case <-ctx.Done():
			return async.Update{}, ctx.Err()

		case <-w.expired:
			if u, done, err := w.expire(ctx); done {
				return u, err
			}

		case ch, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return async.Update{}, ctx.Err()
				}
				return async.Update{}, errors.Mark(
					errors.Newf("watch on job %s ended before a terminal update", job.ID),
					errors.ErrSubscription)
			}
			if u, done, err := w.consume(ctx, ch); done {
				return u, err
			}
		}
	}
}

// consume processes the updates carried by one change, in key order.
// It reports done on the first terminal update.
func (w *watch) consume(ctx context.Context, ch store.Change) (async.Update, bool, error) {
	if ch.Type != store.ChangeMerge {
		return async.Update{}, false, nil
	}
	raw := updatesIn(ch)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if w.seen[key] {
			continue
		}
		w.seen[key] = true

		u, err := w.parse(key, raw[key])
		if err != nil {
			w.log.Errorw("malformed update", "update", key, logger.FieldError, err)
			return async.Update{}, true, errors.WithDetailf(err, "job: %s", w.job.ID)
		}
		if u, done, err := w.handle(ctx, u); done {
			return u, true, err
		}
	}
	return async.Update{}, false, nil
}

// updatesIn extracts {key: update} from a change on the job resource
func updatesIn(ch store.Change) map[string]interface{} {
	rel := strings.Split(strings.Trim(ch.Path, "/"), "/")
	switch {
	case ch.Path == "" || ch.Path == "/":
		m, _ := ch.Body["updates"].(map[string]interface{})
		return store.StripReserved(m)
	case len(rel) == 1 && rel[0] == "updates":
		return store.StripReserved(ch.Body)
	case len(rel) == 2 && rel[0] == "updates":
		return map[string]interface{}{rel[1]: ch.Body}
	}
	return nil
}

func (w *watch) parse(key string, raw interface{}) (async.Update, error) {
	if err := validateUpdate(w.c.schema, raw); err != nil {
		return async.Update{}, errors.Wrapf(err, "update %s", key)
	}
	m := raw.(map[string]interface{})
	u := async.Update{
		Key:    key,
		Status: m["status"].(string),
		Time:   async.NormalizeTime(m["time"]),
	}
	switch info := m["information"].(type) {
	case nil:
	case string:
		u.Information = info
	default:
		b, _ := json.Marshal(info)
		u.Information = string(b)
	}
	return u, nil
}

func (w *watch) handle(ctx context.Context, u async.Update) (async.Update, bool, error) {
	switch u.Status {
	case async.StatusIdentifying:
		w.record(u)
		w.arm()
		return u, false, nil

	case async.StatusIdentified:
		w.record(u)
		return u, false, nil

	case async.StatusSuccess:
		w.unwatch()
		w.log.Infow("job succeeded", "update", u.Key, "time", u.Time)
		return u, true, nil

	case async.StatusError:
		w.unwatch()
		kind := errors.ErrEngineReported
		if u.Information == TimeoutInformation {
			kind = errors.ErrTimeoutUpdate
		}
		if u.Information != "" {
			w.log.Warnw("job reported error", "update", u.Key, "information", u.Information)
		}
		err := errors.Mark(errors.Newf("job %s reported error: %s", w.job.ID, u.Information), kind)
		return u, true, errors.WithDetailf(err, "update: %s %s", u.Key, u.Time)

	default:
		w.log.Debugw("ignoring update", "update", u.Key, logger.FieldStatus, u.Status)
		return u, false, nil
	}
}

// arm starts the identifying timeout once per job
func (w *watch) arm() {
	if w.timer != nil {
		return
	}
	d := w.c.timeoutFor(w.job.Type)
	w.timer = time.NewTimer(d)
	w.expired = w.timer.C
	w.log.Debugw("timeout armed", "timeout", d)
}

func (w *watch) disarm() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// expire runs when the identifying timeout fires. A terminal update that
// raced the timer wins; otherwise a timeout error update is posted and
// handled like any engine error.
func (w *watch) expire(ctx context.Context) (async.Update, bool, error) {
	w.expired = nil

	body, err := store.GetObject(ctx, w.c.client, w.job.Path())
	if err == nil {
		if u, done, err := w.consume(ctx, store.Change{Type: store.ChangeMerge, Body: body}); done {
			return u, true, err
		}
	} else {
		w.log.Warnw("failed to re-read job at timeout", logger.FieldError, err)
	}

	w.log.Warnw("job timed out", "timeout", w.c.timeoutFor(w.job.Type))
	emitter := async.NewUpdateEmitter(w.c.client, w.job, w.log)
	u := async.NewUpdate(async.StatusError, TimeoutInformation)
	key, err := emitter.Emit(ctx, u)
	if err != nil {
		w.log.Errorw("failed to post timeout update", logger.FieldError, err)
	}
	u.Key = key
	w.seen[key] = true
	return w.handle(ctx, u)
}

func (w *watch) record(u async.Update) {
	if w.c.recorder == nil {
		return
	}
	err := w.c.recorder.Record(async.Entry{
		JobID:   w.job.ID,
		JobKey:  w.job.Key,
		JobType: w.job.Type,
		State:   u.Status,
	})
	if err != nil {
		w.log.Warnw("failed to record transition", logger.FieldError, err)
	}
}
