package typedstream

import (
	"time"
	"unicode/utf8"
)

// Node is one value in a decoded archive graph. The concrete kinds
// form a small sum type: scalars, ordered sequences, dictionaries,
// class-tagged records and a few Foundation/AppKit classes that get
// first-class decoded forms.
type Node interface{ isNode() }

// Scalar holds a primitive archived value: string, []byte, int64,
// float64 or time.Time.
type Scalar struct {
	Value interface{}
}

// Array is an ordered sequence: a typed C array or the contents of an
// archived NSArray.
type Array struct {
	Elems []Node
}

// Dict preserves an archived NSDictionary in stream order.
type Dict struct {
	Keys   []Node
	Values []Node
}

// Font is a decoded NSFont.
type Font struct {
	Name string
	Size float64
}

// Color is a decoded NSColor with 0-1 float channels.
type Color struct {
	R, G, B, A float64
}

// Class describes an archived class and its superclass chain.
type Class struct {
	Name    string
	Version int64
	Super   *Class
}

// Group is one encode call from the original archiver: a type string
// and the values it covered. Objects keep their groups intact because
// some archives address values by position within a group.
type Group struct {
	Types  string
	Values []Node
}

// Object is a class-tagged archived record whose contents are kept in
// stream order.
type Object struct {
	Class    *Class
	Contents []Group
}

func (*Scalar) isNode() {}
func (*Array) isNode()  {}
func (*Dict) isNode()   {}
func (*Font) isNode()   {}
func (*Color) isNode()  {}
func (*Class) isNode()  {}
func (*Object) isNode() {}

// First returns the group's first value.
func (g Group) First() (Node, bool) {
	if len(g.Values) == 0 {
		return nil, false
	}
	return g.Values[0], true
}

// Kind returns the most derived class name.
func (o *Object) Kind() string {
	if o.Class == nil {
		return ""
	}
	return o.Class.Name
}

// IsKindOf walks the superclass chain looking for name.
func (o *Object) IsKindOf(name string) bool {
	return o.Class.isKindOf(name)
}

func (c *Class) isKindOf(name string) bool {
	for cls := c; cls != nil; cls = cls.Super {
		if cls.Name == name {
			return true
		}
	}
	return false
}

// ContentAt returns the first value of the i-th content group.
func (o *Object) ContentAt(i int) (Node, bool) {
	if i < 0 || i >= len(o.Contents) {
		return nil, false
	}
	return o.Contents[i].First()
}

func asObject(n Node) (*Object, bool) {
	o, ok := n.(*Object)
	return o, ok
}

func asArray(n Node) (*Array, bool) {
	a, ok := n.(*Array)
	return a, ok
}

func asDict(n Node) (*Dict, bool) {
	d, ok := n.(*Dict)
	return d, ok
}

// asString unwraps a scalar string, accepting raw byte strings when
// they hold valid UTF-8 (old archives store most text as C strings).
func asString(n Node) (string, bool) {
	s, ok := n.(*Scalar)
	if !ok {
		return "", false
	}
	switch v := s.Value.(type) {
	case string:
		return v, true
	case []byte:
		if utf8.Valid(v) {
			return string(v), true
		}
	}
	return "", false
}

func asBytes(n Node) ([]byte, bool) {
	s, ok := n.(*Scalar)
	if !ok {
		return nil, false
	}
	switch v := s.Value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

func asTime(n Node) (time.Time, bool) {
	s, ok := n.(*Scalar)
	if !ok {
		return time.Time{}, false
	}
	t, ok := s.Value.(time.Time)
	return t, ok
}

func asFloat(n Node) (float64, bool) {
	s, ok := n.(*Scalar)
	if !ok {
		return 0, false
	}
	switch v := s.Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func asInt(n Node) (int64, bool) {
	s, ok := n.(*Scalar)
	if !ok {
		return 0, false
	}
	switch v := s.Value.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}
