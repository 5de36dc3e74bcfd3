// Package doctypes maps between the document type names reported by the
// extraction engine, the content types used in the store, and the plural
// keys of the document buckets.
package doctypes

import (
	"sort"
	"strings"

	"github.com/trellisfw/target-helper/errors"
)

// DocType is one business document type
type DocType struct {
	// Name is the human name the engine reports, e.g. "Certificate of Insurance"
	Name string
	// ContentType is the versioned media type stored on the resource
	ContentType string
	// Key is the URL-safe plural bucket key, e.g. "cois"
	Key string
	// Aliases are alternate engine names for the same type
	Aliases []string
}

// Unidentified is the bucket for documents whose type is not yet known
const Unidentified = "unidentified"

// Registry is an immutable lookup table over a set of DocTypes
type Registry struct {
	types         []DocType
	byName        map[string]int
	byContentType map[string]int
	byKey         map[string]int
}

// New builds a registry. Names, aliases, content types and keys must be
// unique across types (names compare case-insensitively).
func New(types []DocType) (*Registry, error) {
	r := &Registry{
		types:         make([]DocType, len(types)),
		byName:        make(map[string]int),
		byContentType: make(map[string]int),
		byKey:         make(map[string]int),
	}
	copy(r.types, types)

	for i, t := range r.types {
		if t.Name == "" || t.ContentType == "" || t.Key == "" {
			return nil, errors.NewInvalidRequestError("doc type %d is incomplete: %+v", i, t)
		}
		for _, name := range append([]string{t.Name}, t.Aliases...) {
			n := normName(name)
			if j, dup := r.byName[n]; dup {
				return nil, errors.NewInvalidRequestError("name %q used by %s and %s", name, r.types[j].Key, t.Key)
			}
			r.byName[n] = i
		}
		if j, dup := r.byContentType[t.ContentType]; dup {
			return nil, errors.NewInvalidRequestError("content type %q used by %s and %s", t.ContentType, r.types[j].Key, t.Key)
		}
		r.byContentType[t.ContentType] = i
		if j, dup := r.byKey[t.Key]; dup {
			return nil, errors.NewInvalidRequestError("key %q used by %s and %s", t.Key, r.types[j].Name, t.Name)
		}
		r.byKey[t.Key] = i
	}
	return r, nil
}

func normName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ByName finds a type by engine name or alias
func (r *Registry) ByName(name string) (DocType, bool) {
	return r.at(r.byName, normName(name))
}

// ByContentType finds a type by its content type
func (r *Registry) ByContentType(ct string) (DocType, bool) {
	return r.at(r.byContentType, ct)
}

// ByKey finds a type by its bucket key
func (r *Registry) ByKey(key string) (DocType, bool) {
	return r.at(r.byKey, key)
}

func (r *Registry) at(index map[string]int, k string) (DocType, bool) {
	i, ok := index[k]
	if !ok {
		return DocType{}, false
	}
	return r.types[i], true
}

// Resolve accepts a key, a content type or a name
func (r *Registry) Resolve(s string) (DocType, bool) {
	if t, ok := r.ByKey(s); ok {
		return t, true
	}
	if t, ok := r.ByContentType(s); ok {
		return t, true
	}
	return r.ByName(s)
}

// MustResolve is Resolve that returns ErrUnknownDocumentType on a miss
func (r *Registry) MustResolve(s string) (DocType, error) {
	t, ok := r.Resolve(s)
	if !ok {
		return DocType{}, errors.Mark(errors.Newf("unknown document type %q", s), errors.ErrUnknownDocumentType)
	}
	return t, nil
}

// Same reports whether a and b (in any accepted form) name the same type
func (r *Registry) Same(a, b string) bool {
	if a == b {
		return true
	}
	ta, ok := r.Resolve(a)
	if !ok {
		return false
	}
	tb, ok := r.Resolve(b)
	return ok && ta.Key == tb.Key
}

// All returns every type ordered by key
func (r *Registry) All() []DocType {
	out := make([]DocType, len(r.types))
	copy(out, r.types)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
