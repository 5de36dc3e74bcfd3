package store

import "strings"

// Link returns a non-versioned link {_id}
func Link(id string) map[string]interface{} {
	return map[string]interface{}{"_id": id}
}

// VersionedLink returns a versioned link {_id, _rev}
func VersionedLink(id string) map[string]interface{} {
	return map[string]interface{}{"_id": id, "_rev": 0}
}

// Ref returns a reference {_ref}, which readers do not follow
func Ref(id string) map[string]interface{} {
	return map[string]interface{}{"_ref": id}
}

// LinkID returns the target of a link value
func LinkID(v interface{}) (string, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return "", false
	}
	id, ok := m["_id"].(string)
	return id, ok && id != ""
}

// RefID returns the target of a reference value
func RefID(v interface{}) (string, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return "", false
	}
	id, ok := m["_ref"].(string)
	return id, ok && id != ""
}

// IsPureLink reports whether m holds nothing but link keys
func IsPureLink(m map[string]interface{}) bool {
	if _, ok := m["_id"].(string); !ok {
		return false
	}
	for k := range m {
		if k != "_id" && k != "_rev" {
			return false
		}
	}
	return true
}

// ResourcePath turns a resource id ("resources/X") into a path ("/resources/X")
func ResourcePath(id string) string {
	return "/" + strings.TrimPrefix(id, "/")
}

// ResourceID turns a path or location ("/resources/X") into an id ("resources/X")
func ResourceID(path string) string {
	return strings.TrimPrefix(path, "/")
}

// Reserved reports whether key is a store-managed field
func Reserved(key string) bool {
	switch key {
	case "_id", "_rev", "_meta", "_type":
		return true
	}
	return false
}

// StripReserved returns a shallow copy of doc without store-managed fields
func StripReserved(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if !Reserved(k) {
			out[k] = v
		}
	}
	return out
}
