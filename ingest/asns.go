package ingest

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

// ASNWatcherConfig configures an ASNWatcher
type ASNWatcherConfig struct {
	Service     string
	ScanOnStart bool
}

// ASNWatcher submits an asn job for every ASN linked into the ASNs root,
// either directly (<asnKey>) or by day (day-index/<day>/<asnKey>).
//
// An ASN whose latest job succeeded is not submitted again unless its
// _meta/services/<service>/force flag is set; the flag is cleared once
// honored. An ASN whose latest job has not finished is left alone.
type ASNWatcher struct {
	client    store.Client
	submitter *async.Submitter
	cfg       ASNWatcherConfig
	observer  Observer
	logger    *zap.SugaredLogger
	loop      watchLoop
}

// NewASNWatcher creates an ASN watcher
func NewASNWatcher(client store.Client, submitter *async.Submitter, cfg ASNWatcherConfig, log *zap.SugaredLogger) *ASNWatcher {
	return &ASNWatcher{
		client:    client,
		submitter: submitter,
		cfg:       cfg,
		logger:    log.Named("ingest").With(logger.FieldComponent, "asns"),
	}
}

// WithObserver reports submissions to o
func (w *ASNWatcher) WithObserver(o Observer) *ASNWatcher {
	w.observer = o
	return w
}

func isASN(rel []string) bool {
	switch len(rel) {
	case 1:
		return rel[0] != "day-index"
	case 3:
		return rel[0] == "day-index"
	}
	return false
}

// Start ensures the ASNs root exists and watches it
func (w *ASNWatcher) Start(ctx context.Context) error {
	if _, err := w.client.Ensure(ctx, store.ASNsPath, map[string]interface{}{}, tree.MustGet(tree.ASNs)); err != nil {
		return errors.Wrapf(err, "failed to ensure %s", store.ASNsPath)
	}
	var bootstrap func(context.Context)
	if w.cfg.ScanOnStart {
		bootstrap = w.scan
	}
	if err := w.loop.start(ctx, w.client, store.ASNsPath, w.logger, bootstrap, w.handle); err != nil {
		return err
	}
	w.logger.Infow("watching asns", logger.FieldPath, store.ASNsPath)
	return nil
}

// Stop ends the watch
func (w *ASNWatcher) Stop() {
	w.loop.stop()
}

func (w *ASNWatcher) scan(ctx context.Context) {
	entries, err := scanLinks(ctx, w.client, store.ASNsPath, nil, isASN, 3)
	if err != nil {
		w.logger.Errorw("initial scan failed", logger.FieldError, err)
		return
	}
	w.considerAll(ctx, entries)
}

func (w *ASNWatcher) handle(ctx context.Context, ch store.Change) {
	w.considerAll(ctx, changeLinks(ch, isASN, 3))
}

func (w *ASNWatcher) considerAll(ctx context.Context, entries []entry) {
	for _, e := range entries {
		key := e.path[len(e.path)-1]
		if _, err := w.Consider(ctx, key, e.id); err != nil {
			w.logger.Errorw("failed to submit asn job", "asn", key, logger.FieldDocID, e.id, logger.FieldError, err)
		}
	}
}

// Consider submits an asn job for ASN id unless its latest job succeeded
// (and no force flag is set) or is still running. It reports whether a job
// was submitted.
func (w *ASNWatcher) Consider(ctx context.Context, asnKey, id string) (bool, error) {
	log := w.logger.With("asn", asnKey, logger.FieldDocID, id)

	meta, err := servicesMeta(ctx, w.client, id, w.cfg.Service)
	if err != nil {
		return false, err
	}
	force, _ := meta["force"].(bool)

	if !force {
		status, found, err := w.latestStatus(ctx, meta)
		if err != nil {
			return false, err
		}
		if found {
			switch status {
			case async.StatusSuccess:
				log.Debugw("latest job succeeded, skipping")
				return false, nil
			case async.StatusFailure, async.StatusError:
			default:
				log.Debugw("latest job still running, skipping", logger.FieldStatus, status)
				return false, nil
			}
		}
	}

	job := &async.Job{
		Type:    async.TypeASN,
		Service: w.cfg.Service,
		Config: async.Config{
			Type:   "asn",
			ASN:    &async.Link{ID: id},
			ASNKey: asnKey,
		},
	}
	sub, err := w.submitter.Submit(ctx, w.cfg.Service, job)
	if err != nil {
		return false, err
	}

	marker := store.Join(markerPath(id, w.cfg.Service), sub.Key)
	if _, err := w.client.Put(ctx, marker, store.Link(sub.ID)); err != nil {
		return true, errors.Mark(errors.Wrapf(err, "failed to record job on %s", id), errors.ErrLinkWrite)
	}
	if force {
		forcePath := store.Join(store.ResourcePath(id), "_meta", "services", w.cfg.Service, "force")
		if _, err := w.client.Put(ctx, forcePath, false); err != nil {
			log.Warnw("failed to clear force flag", logger.FieldError, err)
		}
	}

	if w.observer != nil {
		w.observer.Submitted(KindASN)
	}
	log.Infow("submitted asn job", logger.FieldJobID, sub.ID, logger.FieldJobKey, sub.Key, "forced", force)
	return true, nil
}

// latestStatus returns the status of the lexically greatest job recorded
// in meta. Job keys are time ordered, so that is the most recent job.
func (w *ASNWatcher) latestStatus(ctx context.Context, meta map[string]interface{}) (string, bool, error) {
	jobs, _ := meta["jobs"].(map[string]interface{})
	keys := make([]string, 0, len(jobs))
	for k := range store.StripReserved(jobs) {
		if _, ok := store.LinkID(jobs[k]); ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", false, nil
	}
	sort.Strings(keys)
	id, _ := store.LinkID(jobs[keys[len(keys)-1]])

	job, err := store.GetObject(ctx, w.client, store.ResourcePath(id))
	if errors.IsNotFoundError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Mark(errors.Wrapf(err, "failed to read job %s", id), errors.ErrDocumentFetch)
	}
	status, _ := job["status"].(string)
	return status, true, nil
}
