package async

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

// NewKey returns a time-sortable (UUIDv7) key for jobs and updates
func NewKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Submitted identifies a job placed in a pending queue
type Submitted struct {
	ID   string // resource id
	Key  string // pending queue key
	Path string // pending queue path of the link
}

// Submitter creates job resources and links them into a service's pending queue
type Submitter struct {
	client store.Client
	shape  tree.Tree
	ledger *Ledger
	logger *zap.SugaredLogger
}

// NewSubmitter creates a submitter
func NewSubmitter(client store.Client, log *zap.SugaredLogger) *Submitter {
	return &Submitter{
		client: client,
		shape:  tree.MustGet(tree.Jobs),
		logger: log.Named("submit"),
	}
}

// WithLedger records every submission as queued in l
func (s *Submitter) WithLedger(l *Ledger) *Submitter {
	s.ledger = l
	return s
}

// Submit posts job as a new resource and links it into the pending queue
// of service (job.Service when service is empty).
func (s *Submitter) Submit(ctx context.Context, service string, job *Job) (Submitted, error) {
	if service == "" {
		service = job.Service
	}
	if service == "" {
		return Submitted{}, errors.NewInvalidRequestError("job of type %q has no service", job.Type)
	}
	if job.Service == "" {
		job.Service = service
	}

	body, err := job.Body()
	if err != nil {
		return Submitted{}, err
	}
	loc, err := s.client.Post(ctx, store.ResourcesPath, body, store.WithContentType(ContentType))
	if err != nil {
		return Submitted{}, errors.Wrapf(err, "failed to create %s job", job.Type)
	}
	job.ID = store.ResourceID(loc)
	job.Key = NewKey()

	link := store.Join(store.PendingPath(service), job.Key)
	if _, err := s.client.Put(ctx, link, store.Link(job.ID), store.WithTree(s.shape)); err != nil {
		return Submitted{}, errors.Wrapf(err, "failed to queue job %s", job.ID)
	}

	s.logger.Infow("job submitted",
		logger.FieldJobID, job.ID,
		logger.FieldJobKey, job.Key,
		logger.FieldJobType, job.Type,
		logger.FieldService, service)

	if s.ledger != nil {
		entry := Entry{JobID: job.ID, JobKey: job.Key, JobType: job.Type, State: StateQueued}
		if err := s.ledger.Record(entry); err != nil {
			s.logger.Warnw("failed to record queued job", logger.FieldJobID, job.ID, logger.FieldError, err)
		}
	}
	return Submitted{ID: job.ID, Key: job.Key, Path: link}, nil
}
