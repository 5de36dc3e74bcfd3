package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/store"
)

// DefaultHealInterval is used when the configured interval is not positive
const DefaultHealInterval = 5 * time.Minute

// Healer periodically removes pending-queue links whose job resource is
// missing or empty. Such stubs are left behind by interrupted submissions
// and would otherwise sit in the queue forever.
type Healer struct {
	client   store.Client
	service  string
	interval time.Duration
	observer Observer
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	passes int64
}

// NewHealer creates a healer for the pending queue of service
func NewHealer(client store.Client, service string, interval time.Duration, log *zap.SugaredLogger) *Healer {
	if interval <= 0 {
		interval = DefaultHealInterval
	}
	return &Healer{
		client:   client,
		service:  service,
		interval: interval,
		logger:   log.Named("ingest").With(logger.FieldComponent, "healer", logger.FieldService, service),
	}
}

// WithObserver reports removed stubs to o
func (h *Healer) WithObserver(o Observer) *Healer {
	h.observer = o
	return h
}

// Start begins the heal loop
func (h *Healer) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(ctx)
	h.logger.Infow("queue healer started", "interval", h.interval)
}

// Stop ends the heal loop and waits for a running pass
func (h *Healer) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	h.wg.Wait()
	h.logger.Infow("queue healer stopped")
}

// Passes is the number of completed heal passes
func (h *Healer) Passes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.passes
}

func (h *Healer) run(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := h.Heal(ctx)
			if err != nil {
				// Don't spam logs: a failed pass is retried next tick
				h.logger.Warnw("heal pass failed", logger.FieldError, err)
				continue
			}
			if removed > 0 {
				h.logger.Infow("removed broken pending links", logger.FieldCount, removed)
			}
		}
	}
}

// Heal runs one pass and returns how many stubs it removed
func (h *Healer) Heal(ctx context.Context) (int, error) {
	pending := store.PendingPath(h.service)
	queue, err := store.GetObject(ctx, h.client, pending)
	if errors.IsNotFoundError(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list %s", pending)
	}

	removed := 0
	for _, key := range sortedKeys(queue) {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}

		broken, err := h.broken(ctx, queue[key])
		if err != nil {
			h.logger.Warnw("failed to check pending job", logger.FieldJobKey, key, logger.FieldError, err)
			continue
		}
		if !broken {
			continue
		}
		path := store.Join(pending, key)
		if err := h.client.Delete(ctx, path); err != nil && !errors.IsNotFoundError(err) {
			h.logger.Errorw("failed to remove pending link", logger.FieldPath, path, logger.FieldError, err)
			continue
		}
		removed++
		h.logger.Debugw("removed pending stub", logger.FieldJobKey, key)
	}

	h.mu.Lock()
	h.passes++
	h.mu.Unlock()
	if h.observer != nil && removed > 0 {
		h.observer.StubsRemoved(removed)
	}
	return removed, nil
}

// broken reports whether a queue value links to no job: not a link, a
// link to a missing resource, or a link to a resource with no content
func (h *Healer) broken(ctx context.Context, v interface{}) (bool, error) {
	id, ok := store.LinkID(v)
	if !ok {
		return true, nil
	}
	job, err := store.GetObject(ctx, h.client, store.ResourcePath(id))
	if errors.IsNotFoundError(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(store.StripReserved(job)) == 0, nil
}
