// Package plist decodes iChat conversation logs stored as binary
// property lists (.ichat files from iChat 2004+ and Messages.app).
// The plist layer itself is handled by howett.net/plist; this package
// resolves the NSKeyedArchiver object graph on top of it and adapts
// the result into the canonical conversation model.
package plist

import (
	"errors"
	"fmt"
	"time"

	plistlib "howett.net/plist"
)

// ErrBadArchive is returned when the input is not a keyed archive or
// lacks the mandatory top-level shape (root and metadata objects).
var ErrBadArchive = errors.New("plist: malformed keyed archive")

// appleEpoch is the NSDate reference date.
var appleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// archive resolves UID references into the $objects table, converting
// the common Foundation container classes into plain Go values as it
// goes. Generic classes stay as maps with their class name under
// "$class" so callers can discriminate on it.
type archive struct {
	objects []interface{}
	cache   map[uint64]interface{}
	busy    map[uint64]bool
}

// unarchive parses a keyed-archive plist and returns its resolved root
// and metadata objects.
func unarchive(data []byte) (root, metadata interface{}, err error) {
	var top map[string]interface{}
	if _, err := plistlib.Unmarshal(data, &top); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}

	objects, ok := top["$objects"].([]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing $objects table", ErrBadArchive)
	}
	topDict, ok := top["$top"].(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing $top dictionary", ErrBadArchive)
	}
	rootRef, ok := topDict["root"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing root object", ErrBadArchive)
	}
	metaRef, ok := topDict["metadata"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing metadata object", ErrBadArchive)
	}

	a := &archive{
		objects: objects,
		cache:   make(map[uint64]interface{}),
		busy:    make(map[uint64]bool),
	}
	return a.resolve(rootRef), a.resolve(metaRef), nil
}

func (a *archive) resolve(v interface{}) interface{} {
	uid, ok := v.(plistlib.UID)
	if !ok {
		return a.convert(v)
	}
	id := uint64(uid)
	if id >= uint64(len(a.objects)) {
		return nil
	}
	if cached, ok := a.cache[id]; ok {
		return cached
	}
	if a.busy[id] {
		// Reference cycle; the archives never need one resolved.
		return nil
	}
	a.busy[id] = true
	resolved := a.convert(a.objects[id])
	delete(a.busy, id)
	a.cache[id] = resolved
	return resolved
}

func (a *archive) convert(v interface{}) interface{} {
	switch value := v.(type) {
	case string:
		if value == "$null" {
			return nil
		}
		return value
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, elem := range value {
			out[i] = a.resolve(elem)
		}
		return out
	case map[string]interface{}:
		return a.convertDict(value)
	default:
		return v
	}
}

// convertDict turns the NSKeyedArchiver encodings of the common
// Foundation containers into plain values, detected by their NS.*
// payload fields. Anything else resolves field by field and keeps its
// class name for discrimination.
func (a *archive) convertDict(m map[string]interface{}) interface{} {
	if keys, ok := m["NS.keys"].([]interface{}); ok {
		values, _ := m["NS.objects"].([]interface{})
		out := make(map[string]interface{}, len(keys))
		for i, kref := range keys {
			if i >= len(values) {
				break
			}
			if key, ok := a.resolve(kref).(string); ok {
				out[key] = a.resolve(values[i])
			}
		}
		return out
	}
	if elems, ok := m["NS.objects"].([]interface{}); ok {
		out := make([]interface{}, len(elems))
		for i, elem := range elems {
			out[i] = a.resolve(elem)
		}
		return out
	}
	if s, ok := m["NS.string"]; ok {
		return a.resolve(s)
	}
	if d, ok := m["NS.data"]; ok {
		return a.resolve(d)
	}
	if t, ok := m["NS.time"]; ok {
		if secs, ok := asFloat(t); ok {
			return appleEpoch.Add(time.Duration(secs * float64(time.Second)))
		}
	}

	out := make(map[string]interface{}, len(m))
	for key, value := range m {
		if key == "$class" {
			out[key] = a.classNameOf(value)
			continue
		}
		out[key] = a.resolve(value)
	}
	return out
}

func (a *archive) classNameOf(ref interface{}) string {
	resolved := a.resolve(ref)
	if cls, ok := resolved.(map[string]interface{}); ok {
		if name, ok := cls["$classname"].(string); ok {
			return name
		}
	}
	return ""
}

// className returns the class discriminator of a generic archived
// object, or the empty string for plain values.
func className(m map[string]interface{}) string {
	name, _ := m["$class"].(string)
	return name
}

func asDict(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asList(v interface{}) ([]interface{}, bool) {
	l, ok := v.([]interface{})
	return l, ok
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBytes(v interface{}) ([]byte, bool) {
	b, ok := v.([]byte)
	return b, ok
}

func asTime(v interface{}) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

func asFloat(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int64:
		return float64(value), true
	case uint64:
		return float64(value), true
	case int:
		return float64(value), true
	}
	return 0, false
}

func asInt(v interface{}) (int64, bool) {
	switch value := v.(type) {
	case int64:
		return value, true
	case uint64:
		return int64(value), true
	case int:
		return int64(value), true
	case float64:
		return int64(value), true
	}
	return 0, false
}
