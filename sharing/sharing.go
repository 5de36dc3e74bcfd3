// Package sharing plans and posts share jobs: for every document a job
// produced, it resolves the document's master-data lookup to the trading
// partners that should receive a copy and queues one share job per
// (partner, document) pair.
package sharing

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trellisfw/target-helper/am"
	"github.com/trellisfw/target-helper/doctypes"
	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/links"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/partners"
	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

// Rule says which lookup field names a document's related master-data
// entity and how partners are derived from it
type Rule struct {
	Field string
	// ViaFacility: the entity is a facility; partners are those declaring
	// it in the expand-index. Otherwise the entity lists its partners
	// under "trading-partners".
	ViaFacility bool
}

// Rules maps document type keys to their lookup rule
var Rules = map[string]Rule{
	"fsqa-audits":          {Field: "organization", ViaFacility: true},
	"fsqa-certificates":    {Field: "organization", ViaFacility: true},
	"cois":                 {Field: "holder"},
	"letters-of-guarantee": {Field: "buyer"},
}

// Unshared lists the document types that never have master data to look
// up. Any other type without a rule fails the share step.
var Unshared = map[string]bool{
	doctypes.Unidentified: true,
}

// Share is one (partner, document) pair
type Share struct {
	Partner string
	DocType doctypes.DocType
	DocKey  string
	DocID   string
}

// Mask is the field-masking override of a share
type Mask struct {
	KeysToMask  []string `json:"keys_to_mask"`
	GeneratePDF bool     `json:"generate_pdf"`
}

// Planner is the ShareFanoutPlanner
type Planner struct {
	client    store.Client
	registry  *doctypes.Registry
	index     *partners.Index
	submitter *async.Submitter
	cfg       am.SharingConfig
	limiter   *rate.Limiter
	logger    *zap.SugaredLogger
}

// NewPlanner creates a planner. Share job posts are paced at
// cfg.PostsPerSecond (unlimited when not positive).
func NewPlanner(client store.Client, registry *doctypes.Registry, index *partners.Index, submitter *async.Submitter, cfg am.SharingConfig, log *zap.SugaredLogger) *Planner {
	limit := rate.Inf
	if cfg.PostsPerSecond > 0 {
		limit = rate.Limit(cfg.PostsPerSecond)
	}
	if cfg.Service == "" {
		cfg.Service = am.DefaultShareService
	}
	return &Planner{
		client:    client,
		registry:  registry,
		index:     index,
		submitter: submitter,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    log.Named("sharing"),
	}
}

// Plan resolves the shares of every document in result
// ({docType: {docKey: {_id}}}). Pairs are unique and ordered.
func (p *Planner) Plan(ctx context.Context, result map[string]interface{}) ([]Share, error) {
	leaves, err := links.Leaves(result)
	if err != nil {
		return nil, err
	}

	seen := make(map[[2]string]bool)
	var shares []Share
	for _, leaf := range leaves {
		if len(leaf.Path) != 2 {
			return nil, errors.Mark(
				errors.Newf("result entry %s is not docType/docKey", strings.Join(leaf.Path, "/")),
				errors.ErrMalformedLookup)
		}
		dt, err := p.registry.MustResolve(leaf.Path[0])
		if err != nil {
			return nil, err
		}
		tps, err := p.PartnersFor(ctx, dt, leaf.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "share lookup of %s", leaf.ID)
		}
		for _, tp := range tps {
			k := [2]string{tp, leaf.ID}
			if seen[k] {
				continue
			}
			seen[k] = true
			shares = append(shares, Share{Partner: tp, DocType: dt, DocKey: leaf.Path[1], DocID: leaf.ID})
		}
	}
	return shares, nil
}

// PartnersFor returns the partner keys a document should be shared with.
// A document whose lookup has not been recorded yet is shared with nobody.
func (p *Planner) PartnersFor(ctx context.Context, dt doctypes.DocType, docID string) ([]string, error) {
	if Unshared[dt.Key] {
		return nil, nil
	}
	rule, ok := Rules[dt.Key]
	if !ok {
		return nil, errors.Mark(errors.Newf("no share lookup for document type %q", dt.Key), errors.ErrUnknownDocumentType)
	}

	ref, found, err := p.lookup(ctx, dt.Key, rule.Field, docID)
	if err != nil {
		return nil, err
	}
	if !found {
		p.logger.Warnw("document has no recorded lookup, not sharing",
			logger.FieldDocType, dt.Key, logger.FieldDocID, docID, "field", rule.Field)
		return nil, nil
	}

	if rule.ViaFacility {
		return p.index.WithFacility(ctx, ref)
	}

	entity, err := store.GetObject(ctx, p.client, store.ResourcePath(ref))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to fetch %s %s", rule.Field, ref), errors.ErrLookupResolution)
	}
	tpMap, _ := entity["trading-partners"].(map[string]interface{})
	keys := make([]string, 0, len(tpMap))
	for k := range store.StripReserved(tpMap) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// lookup reads <doc>/_meta/lookups/<docType>/<field> and returns its _ref
func (p *Planner) lookup(ctx context.Context, docTypeKey, field, docID string) (string, bool, error) {
	path := store.Join(store.ResourcePath(docID), "_meta", "lookups", docTypeKey, field)
	v, err := p.client.Get(ctx, path)
	if errors.IsNotFoundError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Mark(errors.Wrapf(err, "failed to read %s", path), errors.ErrDocumentFetch)
	}
	ref, ok := store.RefID(v)
	if !ok {
		return "", false, errors.Mark(errors.Newf("lookup %s is not a reference: %v", path, v), errors.ErrMalformedLookup)
	}
	return ref, true, nil
}

// MaskFor returns the masking override for a partner and type, if any
func (p *Planner) MaskFor(partner string, dt doctypes.DocType) *Mask {
	for _, r := range p.cfg.MaskRules {
		if r.PartnerPrefix == "" || !strings.HasPrefix(partner, r.PartnerPrefix) {
			continue
		}
		if len(r.DocTypes) > 0 && !containsType(p.registry, r.DocTypes, dt) {
			continue
		}
		return &Mask{KeysToMask: append([]string(nil), r.KeysToMask...), GeneratePDF: r.GeneratePDF}
	}
	return nil
}

func containsType(reg *doctypes.Registry, names []string, dt doctypes.DocType) bool {
	for _, n := range names {
		if reg.Same(n, dt.Key) {
			return true
		}
	}
	return false
}

// BuildJob renders the share job of s
func (p *Planner) BuildJob(s Share) *async.Job {
	cfg := map[string]interface{}{
		"src": store.ResourcePath(s.DocID),
		"copy": map[string]interface{}{
			"original": true,
			"meta":     map[string]interface{}{"vdoc": true},
		},
		"doctype": s.DocType.ContentType,
		"dest":    store.Join(store.PartnerDocumentsPath(s.Partner), s.DocType.Key, s.DocKey),
		"chroot":  store.Join(store.PartnerPath(s.Partner), "shared"),
		"tree":    tree.ForPartnerDocType(s.DocType.Key, s.DocType.ContentType),
		"partner": s.Partner,
	}
	if m := p.MaskFor(s.Partner, s.DocType); m != nil {
		cfg["mask"] = map[string]interface{}{
			"keys_to_mask": m.KeysToMask,
			"generate_pdf": m.GeneratePDF,
		}
	}
	return &async.Job{
		Type:    async.TypeShare,
		Service: p.cfg.Service,
		Extra:   map[string]interface{}{"config": cfg},
	}
}

// Post queues a share job for each share and returns how many were queued
func (p *Planner) Post(ctx context.Context, shares []Share) (int, error) {
	posted := 0
	for _, s := range shares {
		if err := p.limiter.Wait(ctx); err != nil {
			return posted, errors.Wrap(err, "share posting interrupted")
		}
		if _, err := p.submitter.Submit(ctx, p.cfg.Service, p.BuildJob(s)); err != nil {
			return posted, errors.Mark(
				errors.Wrapf(err, "failed to share %s with %s", s.DocID, s.Partner),
				errors.ErrLinkWrite)
		}
		posted++
		p.logger.Infow("share queued",
			logger.FieldPartner, s.Partner,
			logger.FieldDocType, s.DocType.Key,
			logger.FieldDocID, s.DocID)
	}
	return posted, nil
}

// FanOut plans and posts the shares of result
func (p *Planner) FanOut(ctx context.Context, result map[string]interface{}) ([]Share, error) {
	if !p.cfg.Enabled {
		return nil, nil
	}
	shares, err := p.Plan(ctx, result)
	if err != nil {
		return nil, err
	}
	n, err := p.Post(ctx, shares)
	return shares[:n], err
}
