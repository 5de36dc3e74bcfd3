package async

import (
	"context"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/store"
)

// UpdateEmitter appends updates to one job's update log
type UpdateEmitter struct {
	client store.Client
	job    *Job
	log    *zap.SugaredLogger // with job_id pre-configured
}

// NewUpdateEmitter creates an emitter for job
func NewUpdateEmitter(client store.Client, job *Job, baseLogger *zap.SugaredLogger) *UpdateEmitter {
	return &UpdateEmitter{
		client: client,
		job:    job,
		log:    baseLogger.With("job_id", job.ID),
	}
}

// Emit writes u under <job>/updates/<key> and returns the key. A missing
// key is filled with a time-sortable one, a missing time with now.
func (e *UpdateEmitter) Emit(ctx context.Context, u Update) (string, error) {
	if u.Key == "" {
		u.Key = NewKey()
	}
	if u.Time == "" {
		u.Time = NewUpdate(u.Status, "").Time
	}
	path := store.Join(e.job.Path(), "updates", u.Key)
	if _, err := e.client.Put(ctx, path, u); err != nil {
		return "", errors.Wrapf(err, "failed to post %s update to %s", u.Status, e.job.ID)
	}
	e.log.Debugw("update posted", "status", u.Status, "update", u.Key)
	return u.Key, nil
}

// EmitStatus posts an update with the given status and information
func (e *UpdateEmitter) EmitStatus(ctx context.Context, status, information string) (string, error) {
	return e.Emit(ctx, NewUpdate(status, information))
}
