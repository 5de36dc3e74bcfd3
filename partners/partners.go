// Package partners caches the trading-partner expand-index.
//
// The index is loaded from the store on first use and kept for the life of
// the process. Readers may see a stale index; Invalidate forces the next
// reader to reload it.
package partners

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/store"
)

// Partner is one expand-index entry
type Partner struct {
	Key  string
	Name string
	// Facilities holds the resource ids of the partner's facilities
	Facilities []string
	Raw        map[string]interface{}
}

// HasFacility reports whether the partner declares facility id
func (p Partner) HasFacility(id string) bool {
	for _, f := range p.Facilities {
		if f == id {
			return true
		}
	}
	return false
}

// Index is a memoized view of the expand-index
type Index struct {
	client store.Client
	path   string
	logger *zap.SugaredLogger

	mu       sync.Mutex
	loaded   bool
	partners map[string]Partner
	loads    int
}

// NewIndex creates an unloaded index over the store's expand-index
func NewIndex(client store.Client, logger *zap.SugaredLogger) *Index {
	return &Index{
		client: client,
		path:   store.ExpandIndexPath,
		logger: logger.Named("partners"),
	}
}

// Partners returns the cached index, loading it on first use. A failed
// load is not cached.
func (i *Index) Partners(ctx context.Context) (map[string]Partner, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.loaded {
		return i.partners, nil
	}

	raw, err := store.GetObject(ctx, i.client, i.path)
	if errors.IsNotFoundError(err) {
		raw, err = map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "load trading-partner expand-index"), errors.ErrLookupResolution)
	}

	partners := make(map[string]Partner, len(raw))
	for key, v := range raw {
		if store.Reserved(key) {
			continue
		}
		entry, ok := v.(map[string]interface{})
		if !ok {
			i.logger.Warnw("skipping malformed expand-index entry", "partner", key)
			continue
		}
		partners[key] = parsePartner(key, entry)
	}

	i.partners = partners
	i.loaded = true
	i.loads++
	i.logger.Infow("loaded expand-index", "count", len(partners))
	return partners, nil
}

func parsePartner(key string, entry map[string]interface{}) Partner {
	p := Partner{Key: key, Raw: entry}
	p.Name, _ = entry["name"].(string)
	if facilities, ok := entry["facilities"].(map[string]interface{}); ok {
		for _, f := range facilities {
			if id, ok := store.LinkID(f); ok {
				p.Facilities = append(p.Facilities, id)
			} else if id, ok := store.RefID(f); ok {
				p.Facilities = append(p.Facilities, id)
			}
		}
		sort.Strings(p.Facilities)
	}
	return p
}

// Invalidate drops the cached index
func (i *Index) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.loaded = false
	i.partners = nil
}

// Loads is the number of successful loads so far
func (i *Index) Loads() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loads
}

// WithFacility returns the keys of every partner declaring facility id, sorted
func (i *Index) WithFacility(ctx context.Context, id string) ([]string, error) {
	partners, err := i.Partners(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for key, p := range partners {
		if p.HasFacility(id) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Get returns one partner from the cached index
func (i *Index) Get(ctx context.Context, key string) (Partner, bool, error) {
	partners, err := i.Partners(ctx)
	if err != nil {
		return Partner{}, false, err
	}
	p, ok := partners[key]
	return p, ok, nil
}
