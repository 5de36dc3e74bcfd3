// Package pipeline runs the post-processing of a job the engine finished
// successfully. Steps run in order and the first failure aborts the rest:
//
//  1. reconcile the engine's targetResult into result
//  2. persist result on the job
//  3. sign every result document
//  4. cross-link the source PDF and its documents (vdoc)
//  5. mark documents as processed by this job
//  6. publish documents into their canonical buckets
//  7. fan out share jobs (primary document space only)
//
// Documents are marked before they are published so the ingestion watcher
// never sees a published document without its processed marker.
//
// Reconcile may end the run early when an unidentified document turned out
// to be of another type; the document is moved to its bucket and processed
// again when the ingestion watcher sees it there.
package pipeline

import (
	"context"
	"path"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/doctypes"
	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/links"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/sharing"
	"github.com/trellisfw/target-helper/signing"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

// Step names, used in errors and metrics labels
const (
	StepReconcile = "reconcile"
	StepPersist   = "persist"
	StepSign      = "sign"
	StepCrossLink = "crosslink"
	StepPublish   = "publish"
	StepMark      = "mark"
	StepShare     = "share"
)

// Observer receives pipeline events. Implemented by the metrics package.
type Observer interface {
	StepFailed(step string)
	SharesPosted(docType string, n int)
}

// Outcome summarizes one run
type Outcome struct {
	// Result is {docType: {docKey: {_id}}}, empty after a relocation
	Result map[string]interface{}
	// Relocated is set when reconcile moved an unidentified document
	Relocated bool
	Signed    int
	Published int
	Shares    []sharing.Share
}

// Pipeline holds the collaborators of every run
type Pipeline struct {
	client   store.Client
	registry *doctypes.Registry
	signer   *signing.Service
	planner  *sharing.Planner
	service  string
	observer Observer
	logger   *zap.SugaredLogger
}

// New creates a pipeline. service names this helper in document
// metadata (_meta/services/<service>). planner may be nil to disable
// sharing.
func New(client store.Client, registry *doctypes.Registry, signer *signing.Service, planner *sharing.Planner, service string, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		client:   client,
		registry: registry,
		signer:   signer,
		planner:  planner,
		service:  service,
		logger:   log.Named("pipeline"),
	}
}

// WithObserver reports step failures and shares to o
func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	p.observer = o
	return p
}

// Run executes the pipeline for job
func (p *Pipeline) Run(ctx context.Context, job *async.Job) (*Outcome, error) {
	r := &run{p: p, job: job, log: p.logger.With(logger.FieldJobID, job.ID, logger.FieldJobType, job.Type)}
	out := &Outcome{Result: map[string]interface{}{}}

	steps := []struct {
		name string
		fn   func(context.Context, *Outcome) error
	}{
		{StepReconcile, r.reconcile},
		{StepPersist, r.persist},
		{StepSign, r.sign},
		{StepCrossLink, r.crossLink},
		{StepMark, r.mark},
		{StepPublish, r.publish},
		{StepShare, r.share},
	}
	for _, s := range steps {
		if err := s.fn(ctx, out); err != nil {
			if p.observer != nil {
				p.observer.StepFailed(s.name)
			}
			r.log.Errorw("pipeline step failed", "step", s.name, logger.FieldError, err)
			return out, errors.WithDetailf(errors.Wrapf(err, "%s", s.name), "job: %s", job.ID)
		}
		if out.Relocated {
			r.log.Infow("document relocated, pipeline ends early")
			return out, nil
		}
	}

	r.log.Infow("pipeline complete",
		"signed", out.Signed,
		"published", out.Published,
		"shares", len(out.Shares))
	return out, nil
}

// run is the state of one Run
type run struct {
	p     *Pipeline
	job   *async.Job
	log   *zap.SugaredLogger
	items []item
}

// item is one document of result
type item struct {
	docType doctypes.DocType
	docKey  string
	id      string
}

// root is the documents root of the job: the primary space or the
// partner's shared space
func (r *run) root() string {
	if r.job.Scoped() {
		return store.PartnerDocumentsPath(r.job.Partner())
	}
	return store.DocumentsPath
}

func (r *run) bucketTree(dt doctypes.DocType) tree.Tree {
	if r.job.Scoped() {
		return tree.ForPartnerDocType(dt.Key, dt.ContentType)
	}
	return tree.ForDocType(dt.Key, dt.ContentType)
}

func (r *run) isASN() bool {
	return r.job.Type == async.TypeASN || r.job.Config.Type == "asn"
}

// hint is the document type the job was submitted with
func (r *run) hint() string {
	if r.job.Config.OadaDocType != "" {
		return r.job.Config.OadaDocType
	}
	return r.job.Config.DocumentType
}

func (r *run) unidentified() bool {
	h := r.hint()
	if h == "" {
		return false
	}
	t, ok := r.p.registry.Resolve(h)
	return ok && t.Key == doctypes.Unidentified
}

func (r *run) add(out *Outcome, dt doctypes.DocType, docKey, id string) {
	bucket, _ := out.Result[dt.Key].(map[string]interface{})
	if bucket == nil {
		bucket = map[string]interface{}{}
		out.Result[dt.Key] = bucket
	}
	bucket[docKey] = store.Link(id)
	r.items = append(r.items, item{docType: dt, docKey: docKey, id: id})
}

// reconcile turns the engine's targetResult into result
func (r *run) reconcile(ctx context.Context, out *Outcome) error {
	body, err := store.GetObject(ctx, r.p.client, r.job.Path())
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to read job %s", r.job.ID), errors.ErrDocumentFetch)
	}
	target, _ := body["targetResult"].(map[string]interface{})

	if r.isASN() && len(target) == 0 && r.job.Config.ASN != nil {
		asns, _ := r.p.registry.ByKey("asns")
		key := r.job.Config.ASNKey
		if key == "" {
			key = path.Base(r.job.Config.ASN.ID)
		}
		r.add(out, asns, key, r.job.Config.ASN.ID)
		return nil
	}

	leaves, err := links.Leaves(target)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "malformed targetResult"), errors.ErrDocumentFetch)
	}
	for _, leaf := range leaves {
		if len(leaf.Path) != 2 {
			return errors.Mark(errors.Newf("targetResult entry %v is not docType/key", leaf.Path), errors.ErrDocumentFetch)
		}
		dt, err := r.p.registry.MustResolve(leaf.Path[0])
		if err != nil {
			return err
		}

		if r.unidentified() && dt.Key != doctypes.Unidentified && r.job.Config.Document != nil {
			if err := r.relocate(ctx, dt); err != nil {
				return err
			}
			out.Result = map[string]interface{}{}
			out.Relocated = true
			return nil
		}

		if doc := r.job.Config.Document; doc != nil {
			if err := r.merge(ctx, leaf.ID, doc.ID); err != nil {
				return err
			}
			key := r.job.Config.DocKey
			if key == "" {
				key = leaf.Path[1]
			}
			r.add(out, dt, key, doc.ID)
			continue
		}
		r.add(out, dt, leaf.Path[1], leaf.ID)
	}
	return nil
}

// merge copies the engine's extracted fields onto the existing document
func (r *run) merge(ctx context.Context, from, into string) error {
	if from == into {
		return nil
	}
	extracted, err := store.GetObject(ctx, r.p.client, store.ResourcePath(from))
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to fetch extracted document %s", from), errors.ErrDocumentFetch)
	}
	fields := store.StripReserved(extracted)
	if len(fields) == 0 {
		return nil
	}
	if _, err := r.p.client.Put(ctx, store.ResourcePath(into), fields); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to merge into %s", into), errors.ErrLinkWrite)
	}
	return nil
}

// relocate moves the job's unidentified document into the bucket of dt
func (r *run) relocate(ctx context.Context, dt doctypes.DocType) error {
	doc := r.job.Config.Document
	key := r.job.Config.DocKey
	if key == "" {
		key = path.Base(doc.ID)
	}
	from := store.Join(r.root(), doctypes.Unidentified, key)
	to := store.Join(r.root(), dt.Key, key)
	log := r.log.With(logger.FieldDocID, doc.ID, logger.FieldDocType, dt.Key)

	if err := r.p.client.Delete(ctx, from); err != nil && !errors.IsNotFoundError(err) {
		return errors.Mark(errors.Wrapf(err, "failed to unlink %s", from), errors.ErrLinkWrite)
	}
	if _, err := r.p.client.Put(ctx, store.ResourcePath(doc.ID), map[string]interface{}{}, store.WithContentType(dt.ContentType)); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to retype %s", doc.ID), errors.ErrLinkWrite)
	}
	marker := store.Join(store.ResourcePath(doc.ID), "_meta", "services", r.p.service, "jobs")
	if err := r.p.client.Delete(ctx, marker); err != nil && !errors.IsNotFoundError(err) {
		log.Warnw("failed to clear processed marker", logger.FieldError, err)
	}
	if _, err := r.p.client.Put(ctx, to, store.VersionedLink(doc.ID), store.WithTree(r.bucketTree(dt))); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to link %s", to), errors.ErrLinkWrite)
	}
	log.Infow("relocated unidentified document", "from", from, "to", to)
	return nil
}

// persist checkpoints result on the job before further side effects
func (r *run) persist(ctx context.Context, out *Outcome) error {
	if _, err := r.p.client.Put(ctx, r.job.Path(), map[string]interface{}{"result": out.Result}); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to write result of %s", r.job.ID), errors.ErrLinkWrite)
	}
	return nil
}

// sign applies this service's signature to every result document
func (r *run) sign(ctx context.Context, out *Outcome) error {
	for _, it := range r.items {
		signed, err := r.p.signer.SignResource(ctx, store.ResourcePath(it.id))
		if err != nil {
			return err
		}
		if signed {
			out.Signed++
		}
	}
	return nil
}

// crossLink writes the refs view of result into the PDF's vdoc and points
// every document back at the PDF
func (r *run) crossLink(ctx context.Context, out *Outcome) error {
	pdf := r.job.Config.PDF
	if pdf == nil || len(r.items) == 0 {
		return nil
	}
	refs, err := links.ToRefs(out.Result)
	if err != nil {
		return err
	}
	vdoc := store.Join(store.ResourcePath(pdf.ID), "_meta", "vdoc")
	if _, err := r.p.client.Put(ctx, vdoc, refs); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to write %s", vdoc), errors.ErrLinkWrite)
	}
	for _, it := range r.items {
		back := store.Join(store.ResourcePath(it.id), "_meta", "vdoc", "pdf")
		if _, err := r.p.client.Put(ctx, back, store.Link(pdf.ID)); err != nil {
			return errors.Mark(errors.Wrapf(err, "failed to write %s", back), errors.ErrLinkWrite)
		}
	}
	return nil
}

// publish links each document into its bucket when not already there
func (r *run) publish(ctx context.Context, out *Outcome) error {
	if r.isASN() {
		return nil
	}
	for _, it := range r.items {
		dest := store.Join(r.root(), it.docType.Key, it.docKey)
		exists, err := store.Exists(ctx, r.p.client, dest)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "failed to check %s", dest), errors.ErrDocumentFetch)
		}
		if exists {
			continue
		}
		if _, err := r.p.client.Put(ctx, dest, store.VersionedLink(it.id), store.WithTree(r.bucketTree(it.docType))); err != nil {
			return errors.Mark(errors.Wrapf(err, "failed to publish %s", dest), errors.ErrLinkWrite)
		}
		out.Published++
		r.log.Debugw("published", logger.FieldPath, dest, logger.FieldDocID, it.id)
	}
	return nil
}

// mark links the job under each document's _meta/services/<service>/jobs
func (r *run) mark(ctx context.Context, _ *Outcome) error {
	key := r.job.Key
	if key == "" {
		key = path.Base(r.job.ID)
	}
	for _, it := range r.items {
		marker := store.Join(store.ResourcePath(it.id), "_meta", "services", r.p.service, "jobs", key)
		if _, err := r.p.client.Put(ctx, marker, store.Link(r.job.ID)); err != nil {
			return errors.Mark(errors.Wrapf(err, "failed to mark %s", it.id), errors.ErrLinkWrite)
		}
	}
	return nil
}

// share fans result out to trading partners
func (r *run) share(ctx context.Context, out *Outcome) error {
	if r.p.planner == nil || r.job.Scoped() || r.isASN() || len(r.items) == 0 {
		return nil
	}
	shares, err := r.p.planner.FanOut(ctx, out.Result)
	out.Shares = shares
	if r.p.observer != nil {
		counts := map[string]int{}
		for _, s := range shares {
			counts[s.DocType.Key]++
		}
		for dt, n := range counts {
			r.p.observer.SharesPosted(dt, n)
		}
	}
	return err
}
