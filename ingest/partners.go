package ingest

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/doctypes"
	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/partners"
	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

// indexKeys are the trading-partners children that are not partners
var indexKeys = map[string]bool{
	"expand-index":   true,
	"masterid-index": true,
}

// PartnerRegistry runs one DocWatcher per trading partner. It watches the
// trading-partners collection, starts a watcher for each partner that
// appears and stops it when the partner is removed. Changes to the
// expand-index invalidate the partner index cache.
type PartnerRegistry struct {
	client    store.Client
	submitter *async.Submitter
	registry  *doctypes.Registry
	index     *partners.Index
	cfg       DocWatcherConfig
	observer  Observer
	base      *zap.SugaredLogger
	logger    *zap.SugaredLogger
	loop      watchLoop

	mu       sync.Mutex
	ctx      context.Context
	watchers map[string]*DocWatcher
}

// NewPartnerRegistry creates a registry; cfg.Partner is ignored. index may
// be nil.
func NewPartnerRegistry(client store.Client, submitter *async.Submitter, registry *doctypes.Registry, index *partners.Index, cfg DocWatcherConfig, log *zap.SugaredLogger) *PartnerRegistry {
	cfg.Partner = ""
	return &PartnerRegistry{
		client:    client,
		submitter: submitter,
		registry:  registry,
		index:     index,
		cfg:       cfg,
		base:      log,
		logger:    log.Named("ingest").With(logger.FieldComponent, "partners"),
		watchers:  make(map[string]*DocWatcher),
	}
}

// WithObserver reports submissions of every partner watcher to o
func (r *PartnerRegistry) WithObserver(o Observer) *PartnerRegistry {
	r.observer = o
	return r
}

// Start watches the trading-partners collection and starts a watcher for
// every partner already present. Existing partners are listed once the
// watch is established, on the watch goroutine.
func (r *PartnerRegistry) Start(ctx context.Context) error {
	if _, err := r.client.Ensure(ctx, store.TradingPartnersPath, map[string]interface{}{}, tree.MustGet(tree.TradingPartners)); err != nil {
		return errors.Wrapf(err, "failed to ensure %s", store.TradingPartnersPath)
	}

	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	if err := r.loop.start(ctx, r.client, store.TradingPartnersPath, r.logger, r.scan, r.handle); err != nil {
		return err
	}
	r.logger.Infow("watching trading partners", logger.FieldPath, store.TradingPartnersPath)
	return nil
}

func (r *PartnerRegistry) scan(ctx context.Context) {
	existing, err := store.GetObject(ctx, r.client, store.TradingPartnersPath)
	if err != nil {
		r.logger.Errorw("failed to list trading partners", logger.FieldError, err)
		return
	}
	for _, key := range sortedKeys(existing) {
		if !indexKeys[key] {
			r.addLogged(key)
		}
	}
	r.logger.Debugw("partner watchers running", logger.FieldCount, len(r.Partners()))
}

func (r *PartnerRegistry) handle(_ context.Context, ch store.Change) {
	rel := tree.Split(ch.Path)

	if len(rel) == 0 {
		if ch.Type != store.ChangeMerge {
			return
		}
		for _, key := range sortedKeys(ch.Body) {
			r.changed(key)
			if !indexKeys[key] {
				r.addLogged(key)
			}
		}
		return
	}

	key := rel[0]
	r.changed(key)
	if indexKeys[key] {
		return
	}
	switch {
	case ch.Type == store.ChangeDelete && len(rel) == 1:
		r.Remove(key)
	case ch.Type == store.ChangeMerge:
		r.addLogged(key)
	}
}

// changed invalidates the partner index when the expand-index moves
func (r *PartnerRegistry) changed(key string) {
	if key == "expand-index" && r.index != nil {
		r.index.Invalidate()
		r.logger.Debugw("expand-index changed, cache invalidated")
	}
}

func (r *PartnerRegistry) addLogged(key string) {
	if err := r.Add(key); err != nil {
		r.logger.Errorw("failed to start partner watcher", logger.FieldPartner, key, logger.FieldError, err)
	}
}

// Add starts the watcher of partner key; adding a watched partner is a no-op
func (r *PartnerRegistry) Add(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.watchers[key]; ok {
		return nil
	}
	if r.ctx == nil {
		return errors.Newf("partner registry not started")
	}

	cfg := r.cfg
	cfg.Partner = key
	w := NewDocWatcher(r.client, r.submitter, r.registry, cfg, r.base)
	if r.observer != nil {
		w.WithObserver(r.observer)
	}
	if err := w.Start(r.ctx); err != nil {
		return err
	}
	r.watchers[key] = w
	r.logger.Infow("partner watcher started", logger.FieldPartner, key)
	return nil
}

// Remove stops the watcher of partner key
func (r *PartnerRegistry) Remove(key string) {
	r.mu.Lock()
	w, ok := r.watchers[key]
	delete(r.watchers, key)
	r.mu.Unlock()

	if ok {
		w.Stop()
		r.logger.Infow("partner watcher stopped", logger.FieldPartner, key)
	}
}

// Partners returns the watched partner keys, sorted
func (r *PartnerRegistry) Partners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.watchers))
	for k := range r.watchers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop ends the collection watch and every partner watcher
func (r *PartnerRegistry) Stop() {
	r.loop.stop()

	r.mu.Lock()
	watchers := r.watchers
	r.watchers = make(map[string]*DocWatcher)
	r.ctx = nil
	r.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
	r.logger.Infow("partner watchers stopped", logger.FieldCount, len(watchers))
}
