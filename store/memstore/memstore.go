// Package memstore is an in-memory store.Client. Resources live in one
// map keyed by id ("bookmarks", "resources/<uuid>"); paths resolve by
// walking objects and following {_id} links between resources.
package memstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

const bookmarksID = "bookmarks"

// Store is an in-memory hierarchical resource store
type Store struct {
	mu        sync.Mutex
	resources map[string]map[string]interface{}
	subs      map[*subscription]struct{}
	logger    *zap.SugaredLogger
}

var _ store.Client = (*Store)(nil)

// New creates an empty store holding only the bookmarks resource
func New(logger *zap.SugaredLogger) *Store {
	return &Store{
		resources: map[string]map[string]interface{}{
			bookmarksID: {
				"_id":   bookmarksID,
				"_rev":  float64(1),
				"_type": "application/vnd.oada.bookmarks.1+json",
			},
		},
		subs:   make(map[*subscription]struct{}),
		logger: logger.Named("memstore"),
	}
}

// location is a position inside one resource
type location struct {
	id  string
	sub []string
}

func rootOf(segs []string) (string, []string, error) {
	switch {
	case len(segs) >= 1 && segs[0] == bookmarksID:
		return bookmarksID, segs[1:], nil
	case len(segs) >= 2 && segs[0] == "resources":
		return "resources/" + segs[1], segs[2:], nil
	default:
		return "", nil, errors.NewInvalidRequestError("path /%s is outside /bookmarks and /resources", strings.Join(segs, "/"))
	}
}

// linkTarget returns the resource a pure link points at, if it exists
func (s *Store) linkTarget(v interface{}) (string, bool) {
	m, ok := v.(map[string]interface{})
	if !ok || !store.IsPureLink(m) {
		return "", false
	}
	id := m["_id"].(string)
	_, exists := s.resources[id]
	return id, exists
}

// walk resolves segs, following links. Callers hold s.mu.
func (s *Store) walk(segs []string) (location, interface{}, bool) {
	id, rest, err := rootOf(segs)
	if err != nil {
		return location{}, nil, false
	}
	body, ok := s.resources[id]
	if !ok {
		return location{}, nil, false
	}

	loc := location{id: id}
	var cur interface{} = body
	for _, seg := range rest {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return location{}, nil, false
		}
		child, ok := m[seg]
		if !ok {
			return location{}, nil, false
		}
		if target, ok := s.linkTarget(child); ok {
			loc = location{id: target}
			cur = s.resources[target]
			continue
		}
		loc.sub = append(loc.sub, seg)
		cur = child
	}
	return loc, cur, true
}

// Get implements store.Client
func (s *Store) Get(_ context.Context, path string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, node, ok := s.walk(tree.Split(path))
	if !ok {
		return nil, errors.NewNotFoundError("%s", path)
	}
	return clone(node), nil
}

// Put implements store.Client
func (s *Store) Put(_ context.Context, path string, data interface{}, opts ...store.WriteOption) (string, error) {
	data, err := normalize(data)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	segs := tree.Split(path)
	loc, err := s.put(segs, data, store.ApplyOptions(opts))
	if err != nil {
		return "", errors.Wrapf(err, "put %s", path)
	}
	s.notify(segs, loc, store.ChangeMerge, data)
	s.logger.Debugw("put", "path", path, "resource", loc.id)
	return path, nil
}

func (s *Store) newResource(id, contentType string) map[string]interface{} {
	body := map[string]interface{}{"_id": id, "_rev": float64(0)}
	if contentType != "" {
		body["_type"] = contentType
	}
	s.resources[id] = body
	return body
}

func bumpRev(body map[string]interface{}) {
	rev, _ := body["_rev"].(float64)
	body["_rev"] = rev + 1
}

// put writes data at segs. Callers hold s.mu.
func (s *Store) put(segs []string, data interface{}, opts store.WriteOptions) (location, error) {
	id, rest, err := rootOf(segs)
	if err != nil {
		return location{}, err
	}
	body, ok := s.resources[id]
	if !ok {
		if id == bookmarksID {
			return location{}, errors.New("bookmarks resource missing")
		}
		body = s.newResource(id, opts.ContentType)
	}
	consumed := len(segs) - len(rest)

	loc := location{id: id}
	cur := body
	dm0, _ := data.(map[string]interface{})
	dataIsLink := dm0 != nil && store.IsPureLink(dm0)
	for i, seg := range rest {
		last := i == len(rest)-1
		rawPrefix := segs[:consumed+i+1]
		child, exists := cur[seg]

		if target, ok := s.linkTarget(child); ok && !(last && dataIsLink) {
			loc = location{id: target}
			cur = s.resources[target]
			body = cur
			continue
		}
		if last {
			// New typed leaf becomes its own resource unless data is a link
			if !exists && !dataIsLink && opts.Tree != nil {
				if node, ok := opts.Tree.Node(rawPrefix); ok {
					if ct, ok := node["_type"].(string); ok {
						newID := "resources/" + newKey()
						cur[seg] = store.Link(newID)
						bumpRev(body)
						loc = location{id: newID}
						body = s.newResource(newID, ct)
						cur = body
						continue
					}
				}
			}
			loc.sub = append(loc.sub, seg)
			if existing, ok := cur[seg].(map[string]interface{}); ok && !dataIsLink {
				if dm, ok := data.(map[string]interface{}); ok {
					deepMerge(existing, dm)
					bumpRev(body)
					return loc, nil
				}
			}
			cur[seg] = clone(data)
			bumpRev(body)
			return loc, nil
		}

		next, ok := child.(map[string]interface{})
		if !ok {
			if opts.Tree != nil {
				if node, ok := opts.Tree.Node(rawPrefix); ok {
					if ct, ok := node["_type"].(string); ok {
						newID := "resources/" + newKey()
						cur[seg] = store.Link(newID)
						bumpRev(body)
						loc = location{id: newID}
						body = s.newResource(newID, ct)
						cur = body
						continue
					}
				}
			}
			next = map[string]interface{}{}
			cur[seg] = next
		}
		loc.sub = append(loc.sub, seg)
		cur = next
	}

	// Path addresses a whole resource
	dm, ok := data.(map[string]interface{})
	if !ok {
		return location{}, errors.NewInvalidRequestError("resource body must be an object, got %T", data)
	}
	if dataIsLink && len(rest) == 0 {
		return location{}, errors.NewInvalidRequestError("cannot replace resource %s with a link", loc.id)
	}
	deepMerge(cur, store.StripReserved(dm))
	if meta, ok := dm["_meta"].(map[string]interface{}); ok {
		existing, _ := cur["_meta"].(map[string]interface{})
		if existing == nil {
			existing = map[string]interface{}{}
			cur["_meta"] = existing
		}
		deepMerge(existing, meta)
	}
	if opts.ContentType != "" {
		cur["_type"] = opts.ContentType
	}
	bumpRev(cur)
	return loc, nil
}

// Post implements store.Client
func (s *Store) Post(ctx context.Context, path string, data interface{}, opts ...store.WriteOption) (string, error) {
	segs := tree.Split(path)
	if len(segs) == 1 && segs[0] == "resources" {
		data, err := normalize(data)
		if err != nil {
			return "", err
		}
		dm, ok := data.(map[string]interface{})
		if !ok {
			return "", errors.NewInvalidRequestError("resource body must be an object, got %T", data)
		}
		o := store.ApplyOptions(opts)

		s.mu.Lock()
		id := "resources/" + newKey()
		body := s.newResource(id, o.ContentType)
		deepMerge(body, store.StripReserved(dm))
		if meta, ok := dm["_meta"].(map[string]interface{}); ok {
			body["_meta"] = clone(meta)
		}
		bumpRev(body)
		s.notify(tree.Split(store.ResourcePath(id)), location{id: id}, store.ChangeMerge, dm)
		s.mu.Unlock()

		s.logger.Debugw("created resource", "id", id)
		return store.ResourcePath(id), nil
	}

	loc := store.Join(path, newKey())
	if _, err := s.Put(ctx, loc, data, opts...); err != nil {
		return "", err
	}
	return loc, nil
}

// Delete implements store.Client
func (s *Store) Delete(_ context.Context, path string) error {
	segs := tree.Split(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(segs) == 2 && segs[0] == "resources" {
		id := "resources/" + segs[1]
		if _, ok := s.resources[id]; !ok {
			return errors.NewNotFoundError("%s", path)
		}
		delete(s.resources, id)
		s.notify(segs, location{id: id}, store.ChangeDelete, nil)
		return nil
	}
	if len(segs) < 2 {
		return errors.NewInvalidRequestError("cannot delete %s", path)
	}

	parentLoc, parent, ok := s.walk(segs[:len(segs)-1])
	if !ok {
		return errors.NewNotFoundError("%s", path)
	}
	m, ok := parent.(map[string]interface{})
	key := segs[len(segs)-1]
	if !ok {
		return errors.NewNotFoundError("%s", path)
	}
	if _, ok := m[key]; !ok {
		return errors.NewNotFoundError("%s", path)
	}
	delete(m, key)
	bumpRev(s.resources[parentLoc.id])

	loc := location{id: parentLoc.id, sub: append(append([]string{}, parentLoc.sub...), key)}
	s.notify(segs, loc, store.ChangeDelete, nil)
	s.logger.Debugw("delete", "path", path)
	return nil
}

// Ensure implements store.Client
func (s *Store) Ensure(ctx context.Context, path string, data interface{}, shape tree.Tree) (interface{}, error) {
	v, err := s.Get(ctx, path)
	if err == nil {
		return v, nil
	}
	if !errors.IsNotFoundError(err) {
		return nil, err
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	if _, err := s.Put(ctx, path, data, store.WithTree(shape)); err != nil {
		return nil, err
	}
	return s.Get(ctx, path)
}

// notify fans a write out to matching subscriptions. Callers hold s.mu.
func (s *Store) notify(rawSegs []string, loc location, typ store.ChangeType, data interface{}) {
	for sub := range s.subs {
		rel, ok := s.relativeTo(sub, rawSegs, loc)
		if !ok {
			continue
		}
		sub.Push(buildChange(rel, typ, data))
	}
}

// relativeTo matches a write against a subscription, first by raw path
// then by resolved resource location. Callers hold s.mu.
func (s *Store) relativeTo(sub *subscription, rawSegs []string, loc location) ([]string, bool) {
	if rel, ok := trimPrefix(rawSegs, sub.segs); ok {
		return rel, true
	}
	watched, _, ok := s.walk(sub.segs)
	if !ok || watched.id != loc.id {
		return nil, false
	}
	return trimPrefix(loc.sub, watched.sub)
}

func trimPrefix(segs, prefix []string) ([]string, bool) {
	if len(prefix) > len(segs) {
		return nil, false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return nil, false
		}
	}
	return segs[len(prefix):], true
}

// buildChange shapes a change so Body is always an object: a scalar write
// is reported one level up, keyed by its name.
func buildChange(rel []string, typ store.ChangeType, data interface{}) store.Change {
	if typ == store.ChangeDelete {
		return store.Change{Path: joinRel(rel), Type: typ}
	}
	if m, ok := data.(map[string]interface{}); ok {
		return store.Change{Path: joinRel(rel), Type: typ, Body: clone(m).(map[string]interface{})}
	}
	if len(rel) == 0 {
		return store.Change{Path: "", Type: typ, Body: map[string]interface{}{}}
	}
	return store.Change{
		Path: joinRel(rel[:len(rel)-1]),
		Type: typ,
		Body: map[string]interface{}{rel[len(rel)-1]: clone(data)},
	}
}

func joinRel(rel []string) string {
	if len(rel) == 0 {
		return ""
	}
	return "/" + strings.Join(rel, "/")
}

func newKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// normalize converts arbitrary values into plain JSON values
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "value is not JSON encodable")
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "value is not JSON decodable")
	}
	return out, nil
}

func clone(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, child := range x {
			out[k] = clone(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, child := range x {
			out[i] = clone(child)
		}
		return out
	default:
		return v
	}
}

// deepMerge merges src into dst. Links replace rather than merge.
func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		sv, srcIsMap := v.(map[string]interface{})
		dv, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap && !store.IsPureLink(sv) && !store.IsPureLink(dv) {
			deepMerge(dv, sv)
			continue
		}
		dst[k] = clone(v)
	}
}
