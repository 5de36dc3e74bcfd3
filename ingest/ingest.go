// Package ingest watches the document and ASN collections and submits a
// job for every item this service has not processed yet.
//
// A DocWatcher serves one documents root: the primary space or one trading
// partner's shared space. The PartnerRegistry owns one DocWatcher per
// partner and starts or stops them as partners come and go. The Healer
// periodically drops pending-queue links whose job is gone.
package ingest

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

// Submission kinds, used as metrics labels
const (
	KindDocument = "document"
	KindASN      = "asn"
)

// Observer receives ingestion events. Implemented by the metrics package.
type Observer interface {
	Submitted(kind string)
	StubsRemoved(n int)
}

// entry is one linked item of a watched collection
type entry struct {
	path []string
	id   string
}

// leafFunc reports whether a position below the watched root holds an item
type leafFunc func(rel []string) bool

// linksIn returns the item links of body, a partial view of the collection
// at rel. Positions deeper than maxDepth are not searched.
func linksIn(rel []string, body map[string]interface{}, leaf leafFunc, maxDepth int) []entry {
	if leaf(rel) {
		if id, ok := store.LinkID(body); ok {
			return []entry{{path: append([]string(nil), rel...), id: id}}
		}
		return nil
	}
	if len(rel) >= maxDepth {
		return nil
	}

	var out []entry
	for _, k := range sortedKeys(body) {
		child, ok := body[k].(map[string]interface{})
		if !ok {
			continue
		}
		next := append(append([]string(nil), rel...), k)
		out = append(out, linksIn(next, child, leaf, maxDepth)...)
	}
	return out
}

// changeLinks returns the item links a merge change carries
func changeLinks(ch store.Change, leaf leafFunc, maxDepth int) []entry {
	if ch.Type != store.ChangeMerge || ch.Body == nil {
		return nil
	}
	return linksIn(tree.Split(ch.Path), ch.Body, leaf, maxDepth)
}

// scanLinks lists the item links stored under root, one level at a time so
// intermediate links are followed
func scanLinks(ctx context.Context, client store.Client, root string, rel []string, leaf leafFunc, maxDepth int) ([]entry, error) {
	path := store.Join(append([]string{root}, rel...)...)
	body, err := store.GetObject(ctx, client, path)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", path)
	}

	var out []entry
	for _, k := range sortedKeys(body) {
		next := append(append([]string(nil), rel...), k)
		if leaf(next) {
			if id, ok := store.LinkID(body[k]); ok {
				out = append(out, entry{path: next, id: id})
			}
			continue
		}
		if len(next) >= maxDepth {
			continue
		}
		if _, ok := body[k].(map[string]interface{}); !ok {
			continue
		}
		sub, err := scanLinks(ctx, client, root, next, leaf, maxDepth)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range store.StripReserved(m) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// watchLoop runs one watch on its own goroutine. bootstrap, if set, runs
// on that goroutine before the first event, so it never races handle.
type watchLoop struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (l *watchLoop) start(
	parent context.Context,
	client store.Client,
	path string,
	log *zap.SugaredLogger,
	bootstrap func(context.Context),
	handle func(context.Context, store.Change),
) error {
	ctx, cancel := context.WithCancel(parent)
	sub, err := client.Watch(ctx, path)
	if err != nil {
		cancel()
		return errors.Mark(errors.Wrapf(err, "failed to watch %s", path), errors.ErrSubscription)
	}

	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer sub.Close()
		if bootstrap != nil {
			bootstrap(ctx)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ch, ok := <-sub.Events():
				if !ok {
					if ctx.Err() == nil {
						log.Errorw("watch ended", logger.FieldPath, path)
					}
					return
				}
				handle(ctx, ch)
			}
		}
	}()
	return nil
}

// stop cancels the watch and waits for the loop to return
func (l *watchLoop) stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
}

// markerPath is where a document or ASN records the jobs of service
func markerPath(id, service string) string {
	return store.Join(store.ResourcePath(id), "_meta", "services", service, "jobs")
}

// servicesMeta reads <id>/_meta/services/<service>; a missing section is empty
func servicesMeta(ctx context.Context, client store.Client, id, service string) (map[string]interface{}, error) {
	path := store.Join(store.ResourcePath(id), "_meta", "services", service)
	m, err := store.GetObject(ctx, client, path)
	if errors.IsNotFoundError(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to read %s", path), errors.ErrDocumentFetch)
	}
	return m, nil
}
