// Package tree holds the tree shapes used when writing into the store.
//
// A tree mirrors a path hierarchy. A node carrying "_type" marks a
// resource boundary: writers create a separate resource there and link it
// into its parent. The key "*" matches any key at its level.
package tree

import (
	_ "embed"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/trellisfw/target-helper/errors"
)

// Tree is a (sub)tree shape
type Tree map[string]interface{}

// Wildcard matches any key at its level
const Wildcard = "*"

// Named trees defined in trees.yaml
const (
	Bookmarks       = "bookmarks"
	Documents       = "documents"
	ASNs            = "asns"
	TradingPartners = "trading-partners"
	Jobs            = "jobs"
)

//go:embed trees.yaml
var treesYAML []byte

var (
	loadOnce sync.Once
	trees    map[string]Tree
	loadErr  error
)

func load() (map[string]Tree, error) {
	loadOnce.Do(func() {
		var raw map[string]map[string]interface{}
		if err := yaml.Unmarshal(treesYAML, &raw); err != nil {
			loadErr = errors.Wrap(err, "failed to parse embedded trees")
			return
		}
		trees = make(map[string]Tree, len(raw))
		for name, t := range raw {
			trees[name] = normalize(t).(Tree)
		}
	})
	return trees, loadErr
}

// normalize converts yaml.v3 output into Tree/[]interface{}/scalars
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(Tree, len(x))
		for k, child := range x {
			out[k] = normalize(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, child := range x {
			out[i] = normalize(child)
		}
		return out
	default:
		return v
	}
}

// Get returns a deep copy of the named tree
func Get(name string) (Tree, error) {
	all, err := load()
	if err != nil {
		return nil, err
	}
	t, ok := all[name]
	if !ok {
		return nil, errors.NewNotFoundError("tree %q", name)
	}
	return t.Clone(), nil
}

// MustGet is Get for the built-in names; it panics on an unknown name
func MustGet(name string) Tree {
	t, err := Get(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Names lists the embedded trees
func Names() []string {
	all, _ := load()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies t
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	return normalizeClone(t).(Tree)
}

func normalizeClone(v interface{}) interface{} {
	switch x := v.(type) {
	case Tree:
		out := make(Tree, len(x))
		for k, child := range x {
			out[k] = normalizeClone(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, child := range x {
			out[i] = normalizeClone(child)
		}
		return out
	default:
		return v
	}
}

// Node returns the subtree matching the path segments, following
// wildcards where no exact key exists.
func (t Tree) Node(segments []string) (Tree, bool) {
	cur := t
	for _, seg := range segments {
		next, ok := cur[seg].(Tree)
		if !ok {
			next, ok = cur[Wildcard].(Tree)
		}
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// TypeAt returns the content type declared at the given path, if any
func (t Tree) TypeAt(path string) (string, bool) {
	node, ok := t.Node(Split(path))
	if !ok {
		return "", false
	}
	ct, ok := node["_type"].(string)
	return ct, ok
}

// Set places subtree at path, creating intermediate nodes
func (t Tree) Set(path string, subtree Tree) {
	cur := t
	segs := Split(path)
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = subtree
			return
		}
		next, ok := cur[seg].(Tree)
		if !ok {
			next = Tree{}
			cur[seg] = next
		}
		cur = next
	}
}

// Split breaks a store path into its segments
func Split(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// ForDocType returns the documents tree narrowed to one document type:
// bookmarks/trellisfw/documents/<docTypeKey>/* carries contentType.
func ForDocType(docTypeKey, contentType string) Tree {
	t := MustGet(Documents)
	docs, _ := t.Node([]string{"bookmarks", "trellisfw", "documents"})
	wild, _ := docs[Wildcard].(Tree)
	bucket := wild.Clone()
	delete(docs, Wildcard)
	if item, ok := bucket[Wildcard].(Tree); ok {
		item["_type"] = contentType
	}
	docs[docTypeKey] = bucket
	return t
}

// ForPartnerDocType is ForDocType rooted under a trading partner's shared space
func ForPartnerDocType(docTypeKey, contentType string) Tree {
	t := MustGet(TradingPartners)
	docs, _ := t.Node([]string{"bookmarks", "trellisfw", "trading-partners", Wildcard, "shared", "trellisfw", "documents"})
	if wild, ok := docs[Wildcard].(Tree); ok {
		bucket := wild.Clone()
		delete(docs, Wildcard)
		if item, ok := bucket[Wildcard].(Tree); ok {
			item["_type"] = contentType
		}
		docs[docTypeKey] = bucket
	}
	return t
}
