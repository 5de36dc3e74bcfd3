package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/doctypes"
	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

// DocWatcherConfig configures a DocWatcher
type DocWatcherConfig struct {
	Service string
	// Partner scopes the watcher to a trading partner's shared documents;
	// empty watches the primary documents root
	Partner     string
	ScanOnStart bool
}

// DocWatcher submits a transcription job for every document linked into
// <root>/<docType>/<docKey> that carries a source PDF and no processed
// marker of this service
type DocWatcher struct {
	client    store.Client
	submitter *async.Submitter
	registry  *doctypes.Registry
	cfg       DocWatcherConfig
	root      string
	observer  Observer
	logger    *zap.SugaredLogger
	loop      watchLoop
}

// NewDocWatcher creates a document watcher
func NewDocWatcher(client store.Client, submitter *async.Submitter, registry *doctypes.Registry, cfg DocWatcherConfig, log *zap.SugaredLogger) *DocWatcher {
	root := store.DocumentsPath
	log = log.Named("ingest").With(logger.FieldComponent, "documents")
	if cfg.Partner != "" {
		root = store.PartnerDocumentsPath(cfg.Partner)
		log = log.With(logger.FieldPartner, cfg.Partner)
	}
	return &DocWatcher{
		client:    client,
		submitter: submitter,
		registry:  registry,
		cfg:       cfg,
		root:      root,
		logger:    log,
	}
}

// WithObserver reports submissions to o
func (w *DocWatcher) WithObserver(o Observer) *DocWatcher {
	w.observer = o
	return w
}

// Root is the watched documents root
func (w *DocWatcher) Root() string {
	return w.root
}

func (w *DocWatcher) shape() tree.Tree {
	if w.cfg.Partner != "" {
		return tree.MustGet(tree.TradingPartners)
	}
	return tree.MustGet(tree.Documents)
}

// isDocument: documents sit at <docType>/<docKey>
func isDocument(rel []string) bool {
	return len(rel) == 2
}

// Start ensures the root exists and watches it. With ScanOnStart the
// documents already present are considered before the first change.
func (w *DocWatcher) Start(ctx context.Context) error {
	if _, err := w.client.Ensure(ctx, w.root, map[string]interface{}{}, w.shape()); err != nil {
		return errors.Wrapf(err, "failed to ensure %s", w.root)
	}
	var bootstrap func(context.Context)
	if w.cfg.ScanOnStart {
		bootstrap = w.scan
	}
	if err := w.loop.start(ctx, w.client, w.root, w.logger, bootstrap, w.handle); err != nil {
		return err
	}
	w.logger.Infow("watching documents", logger.FieldPath, w.root)
	return nil
}

// Stop ends the watch
func (w *DocWatcher) Stop() {
	w.loop.stop()
	w.logger.Debugw("stopped watching documents", logger.FieldPath, w.root)
}

func (w *DocWatcher) scan(ctx context.Context) {
	entries, err := scanLinks(ctx, w.client, w.root, nil, isDocument, 2)
	if err != nil {
		w.logger.Errorw("initial scan failed", logger.FieldError, err)
		return
	}
	w.logger.Debugw("initial scan", logger.FieldCount, len(entries))
	w.considerAll(ctx, entries)
}

func (w *DocWatcher) handle(ctx context.Context, ch store.Change) {
	w.considerAll(ctx, changeLinks(ch, isDocument, 2))
}

func (w *DocWatcher) considerAll(ctx context.Context, entries []entry) {
	for _, e := range entries {
		if _, err := w.Consider(ctx, e.path[0], e.path[1], e.id); err != nil {
			w.logger.Errorw("failed to submit document job",
				logger.FieldDocType, e.path[0],
				logger.FieldDocKey, e.path[1],
				logger.FieldDocID, e.id,
				logger.FieldError, err)
		}
	}
}

// Consider submits a job for document id unless it was already processed
// or has no source PDF yet. It reports whether a job was submitted.
func (w *DocWatcher) Consider(ctx context.Context, docTypeKey, docKey, id string) (bool, error) {
	log := w.logger.With(logger.FieldDocType, docTypeKey, logger.FieldDocKey, docKey, logger.FieldDocID, id)

	dt, ok := w.registry.Resolve(docTypeKey)
	if !ok {
		log.Warnw("skipping document of unknown type")
		return false, nil
	}

	meta, err := store.GetObject(ctx, w.client, store.Join(store.ResourcePath(id), "_meta"))
	if errors.IsNotFoundError(err) {
		meta = map[string]interface{}{}
	} else if err != nil {
		return false, errors.Mark(errors.Wrapf(err, "failed to read metadata of %s", id), errors.ErrDocumentFetch)
	}

	if processed(meta, w.cfg.Service) {
		log.Debugw("already processed")
		return false, nil
	}
	vdoc, _ := meta["vdoc"].(map[string]interface{})
	pdf, ok := store.LinkID(vdoc["pdf"])
	if !ok {
		log.Debugw("no source pdf yet")
		return false, nil
	}

	job := &async.Job{
		Type:    async.TypeTranscription,
		Service: w.cfg.Service,
		Config: async.Config{
			Type:           "pdf",
			PDF:            &async.Link{ID: pdf},
			Document:       &async.Link{ID: id},
			DocKey:         docKey,
			DocumentType:   dt.ContentType,
			OadaDocType:    dt.Key,
			TradingPartner: w.cfg.Partner,
		},
	}
	sub, err := w.submitter.Submit(ctx, w.cfg.Service, job)
	if err != nil {
		return false, err
	}
	// Mark at submission so a repeated change does not queue a second job
	marker := store.Join(markerPath(id, w.cfg.Service), sub.Key)
	if _, err := w.client.Put(ctx, marker, store.Link(sub.ID)); err != nil {
		return true, errors.Mark(errors.Wrapf(err, "failed to mark %s", id), errors.ErrLinkWrite)
	}

	if w.observer != nil {
		w.observer.Submitted(KindDocument)
	}
	log.Infow("submitted document job", logger.FieldJobID, sub.ID, logger.FieldJobKey, sub.Key, logger.FieldPDF, pdf)
	return true, nil
}

// processed reports whether meta carries a job marker of service
func processed(meta map[string]interface{}, service string) bool {
	services, _ := meta["services"].(map[string]interface{})
	svc, _ := services[service].(map[string]interface{})
	jobs, ok := svc["jobs"].(map[string]interface{})
	return ok && len(store.StripReserved(jobs)) > 0
}
