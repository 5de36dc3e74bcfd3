// Package links rewrites nested link structures such as a job result:
//
//	{"cois": {"k1": {"_id": "resources/DOC1"}}}
//
// A structure is parsed once into Leaf and Container nodes; every rewrite
// (links to refs, links to versioned links) and every per-document walk
// goes through the same traversal.
package links

import (
	"sort"
	"strings"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/store"
)

// Node is a Leaf or a Container
type Node interface {
	node()
}

// Leaf is a link to one resource
type Leaf struct {
	ID string
}

// Container maps keys to child nodes. Keys are kept sorted.
type Container struct {
	Keys     []string
	Children map[string]Node
}

func (Leaf) node()       {}
func (*Container) node() {}

// Parse converts decoded JSON into a Node tree. Objects carrying a string
// _id are leaves; any other object is a container. Store-managed keys on
// containers are skipped.
func Parse(v interface{}) (Node, error) {
	return parse(v, nil)
}

func parse(v interface{}, path []string) (Node, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.NewInvalidRequestError("expected object or link at /%s, got %T", strings.Join(path, "/"), v)
	}
	if id, ok := store.LinkID(m); ok {
		return Leaf{ID: id}, nil
	}

	c := &Container{Children: make(map[string]Node, len(m))}
	for k, child := range m {
		if store.Reserved(k) {
			continue
		}
		n, err := parse(child, append(path, k))
		if err != nil {
			return nil, err
		}
		c.Keys = append(c.Keys, k)
		c.Children[k] = n
	}
	sort.Strings(c.Keys)
	return c, nil
}

// Walk visits every leaf depth-first in key order. Returning an error stops the walk.
func Walk(n Node, fn func(path []string, leaf Leaf) error) error {
	return walk(n, nil, fn)
}

func walk(n Node, path []string, fn func([]string, Leaf) error) error {
	switch x := n.(type) {
	case Leaf:
		return fn(append([]string(nil), path...), x)
	case *Container:
		for _, k := range x.Keys {
			if err := walk(x.Children[k], append(path, k), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Map rebuilds plain JSON from n, replacing each leaf by fn's return value
func Map(n Node, fn func(path []string, leaf Leaf) interface{}) map[string]interface{} {
	out, _ := mapNode(n, nil, fn).(map[string]interface{})
	return out
}

func mapNode(n Node, path []string, fn func([]string, Leaf) interface{}) interface{} {
	switch x := n.(type) {
	case Leaf:
		return fn(append([]string(nil), path...), x)
	case *Container:
		out := make(map[string]interface{}, len(x.Keys))
		for _, k := range x.Keys {
			out[k] = mapNode(x.Children[k], append(path, k), fn)
		}
		return out
	}
	return nil
}

// ToRefs replaces every link {_id} in v with a reference {_ref}
func ToRefs(v interface{}) (map[string]interface{}, error) {
	n, err := Parse(v)
	if err != nil {
		return nil, err
	}
	return Map(n, func(_ []string, l Leaf) interface{} { return store.Ref(l.ID) }), nil
}

// ToVersioned replaces every link in v with a versioned link {_id, _rev}
func ToVersioned(v interface{}) (map[string]interface{}, error) {
	n, err := Parse(v)
	if err != nil {
		return nil, err
	}
	return Map(n, func(_ []string, l Leaf) interface{} { return store.VersionedLink(l.ID) }), nil
}

// Located is a leaf together with its path
type Located struct {
	Path []string
	Leaf
}

// Leaves lists every leaf of v in walk order
func Leaves(v interface{}) ([]Located, error) {
	n, err := Parse(v)
	if err != nil {
		return nil, err
	}
	var out []Located
	Walk(n, func(path []string, l Leaf) error {
		out = append(out, Located{Path: path, Leaf: l})
		return nil
	})
	return out, nil
}
