// Package typedstream decodes the token-tagged NeXT typedstream
// archives that iChat used for .chat logs before 2004, and adapts the
// decoded object graph into the canonical conversation model.
//
// The wire format is undocumented by Apple. The reader below covers
// the subset the chat logs need: streamer version 4, tagged integers,
// shared string and object reference tables, class chains and typed
// value groups.
package typedstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrBadHeader is returned when the input does not carry a
	// typedstream signature.
	ErrBadHeader = errors.New("typedstream: not a typedstream archive")
	// ErrBadArchive is returned when a decoded archive lacks the
	// top-level shape a chat log must have.
	ErrBadArchive = errors.New("typedstream: malformed archive")
	// ErrTruncated is returned when the stream ends mid-value.
	ErrTruncated = errors.New("typedstream: truncated data")
)

const streamerVersion = 4

// Signature strings; which one appears decides the byte order of
// everything that follows.
const (
	signatureLittleEndian = "streamtyped"
	signatureBigEndian    = "typedstream"
)

// Tag bytes. Single-byte values outside the tag block are literals;
// values from firstReference upward index the shared tables.
const (
	tagInt16 = 0x81
	tagInt32 = 0x82
	tagFloat = 0x83
	tagNew   = 0x84
	tagNil   = 0x85
	tagEnd   = 0x86

	tagBlockStart = 0x80
	tagBlockEnd   = 0x91

	firstReference = 0x92
)

var appleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// Archive is a fully decoded typedstream: the top-level archived
// values in stream order.
type Archive struct {
	Elements []Node
}

// Unarchive decodes a complete typedstream buffer.
func Unarchive(data []byte) (*Archive, error) {
	r, err := newReader(data)
	if err != nil {
		return nil, err
	}

	var elems []Node
	for r.off < len(r.buf) {
		g, err := r.readGroup()
		if err != nil {
			return nil, err
		}
		elems = append(elems, g.Values...)
	}
	return &Archive{Elements: elems}, nil
}

// reader walks the byte stream, maintaining the two shared reference
// tables the format interleaves with the data: one for strings (type
// encodings and class names), one for objects and classes.
type reader struct {
	buf     []byte
	off     int
	order   binary.ByteOrder
	strings []string
	objects []Node
}

func newReader(data []byte) (*reader, error) {
	r := &reader{buf: data, order: binary.LittleEndian}

	version, err := r.u8()
	if err != nil || version != streamerVersion {
		return nil, ErrBadHeader
	}
	sig, err := r.readUnsharedString()
	if err != nil {
		return nil, ErrBadHeader
	}
	switch string(sig) {
	case signatureLittleEndian:
		r.order = binary.LittleEndian
	case signatureBigEndian:
		r.order = binary.BigEndian
	default:
		return nil, ErrBadHeader
	}
	if _, err := r.readInt(); err != nil { // system version, typically 1000
		return nil, err
	}
	return r, nil
}

func (r *reader) u8() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) peek() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, ErrTruncated
	}
	return r.buf[r.off], nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// readInt reads one signed integer in the tagged encoding: small
// values live in the head byte itself, larger ones follow a width tag.
func (r *reader) readInt() (int64, error) {
	head, err := r.u8()
	if err != nil {
		return 0, err
	}
	return r.finishInt(head)
}

func (r *reader) finishInt(head byte) (int64, error) {
	switch head {
	case tagInt16:
		b, err := r.take(2)
		if err != nil {
			return 0, err
		}
		return int64(int16(r.order.Uint16(b))), nil
	case tagInt32:
		b, err := r.take(4)
		if err != nil {
			return 0, err
		}
		return int64(int32(r.order.Uint32(b))), nil
	}
	if head >= tagBlockStart && head <= tagBlockEnd {
		return 0, fmt.Errorf("typedstream: unexpected tag 0x%02x in integer", head)
	}
	return int64(int8(head)), nil
}

// finishUint is the unsigned reading used for lengths and reference
// numbers, whose single-byte literals occupy the space on both sides
// of the tag block.
func (r *reader) finishUint(head byte) (uint64, error) {
	switch head {
	case tagInt16:
		b, err := r.take(2)
		if err != nil {
			return 0, err
		}
		return uint64(r.order.Uint16(b)), nil
	case tagInt32:
		b, err := r.take(4)
		if err != nil {
			return 0, err
		}
		return uint64(r.order.Uint32(b)), nil
	}
	if head >= tagBlockStart && head <= tagBlockEnd {
		return 0, fmt.Errorf("typedstream: unexpected tag 0x%02x in length", head)
	}
	return uint64(head), nil
}

func (r *reader) readUint() (uint64, error) {
	head, err := r.u8()
	if err != nil {
		return 0, err
	}
	return r.finishUint(head)
}

func (r *reader) readFloat(width int) (float64, error) {
	head, err := r.u8()
	if err != nil {
		return 0, err
	}
	if head != tagFloat {
		// Integral values are stored in the cheaper integer encoding.
		v, err := r.finishInt(head)
		return float64(v), err
	}
	b, err := r.take(width)
	if err != nil {
		return 0, err
	}
	if width == 4 {
		return float64(math.Float32frombits(r.order.Uint32(b))), nil
	}
	return math.Float64frombits(r.order.Uint64(b)), nil
}

// readUnsharedString reads a length-prefixed byte string that does not
// participate in the reference table.
func (r *reader) readUnsharedString() ([]byte, error) {
	n, err := r.readUint()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

// readSharedString reads a string that may be a fresh definition
// (appended to the table) or a back-reference to an earlier one.
func (r *reader) readSharedString() (string, bool, error) {
	head, err := r.u8()
	if err != nil {
		return "", false, err
	}
	switch head {
	case tagNil:
		return "", false, nil
	case tagNew:
		b, err := r.readUnsharedString()
		if err != nil {
			return "", false, err
		}
		s := string(b)
		r.strings = append(r.strings, s)
		return s, true, nil
	}
	v, err := r.finishUint(head)
	if err != nil {
		return "", false, err
	}
	idx := int(v) - firstReference
	if idx < 0 || idx >= len(r.strings) {
		return "", false, fmt.Errorf("typedstream: dangling string reference %d", idx)
	}
	return r.strings[idx], true, nil
}

// readClass reads a class chain: either nil (end of chain), a new
// class description, or a back-reference.
func (r *reader) readClass() (*Class, error) {
	head, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch head {
	case tagNil:
		return nil, nil
	case tagNew:
		name, _, err := r.readSharedString()
		if err != nil {
			return nil, err
		}
		version, err := r.readInt()
		if err != nil {
			return nil, err
		}
		cls := &Class{Name: name, Version: version}
		r.objects = append(r.objects, cls)
		cls.Super, err = r.readClass()
		if err != nil {
			return nil, err
		}
		return cls, nil
	}
	v, err := r.finishUint(head)
	if err != nil {
		return nil, err
	}
	idx := int(v) - firstReference
	if idx < 0 || idx >= len(r.objects) {
		return nil, fmt.Errorf("typedstream: dangling class reference %d", idx)
	}
	cls, ok := r.objects[idx].(*Class)
	if !ok {
		return nil, fmt.Errorf("typedstream: reference %d is not a class", idx)
	}
	return cls, nil
}

func (r *reader) readObject() (Node, error) {
	head, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch head {
	case tagNil:
		return nil, nil
	case tagNew:
		cls, err := r.readClass()
		if err != nil {
			return nil, err
		}
		if cls == nil {
			return nil, fmt.Errorf("typedstream: object without a class")
		}
		// Reserve the reference slot before the body so later
		// back-references land on the right index.
		slot := len(r.objects)
		r.objects = append(r.objects, nil)
		node, err := r.readObjectBody(cls)
		if err != nil {
			return nil, err
		}
		r.objects[slot] = node
		return node, nil
	}
	v, err := r.finishUint(head)
	if err != nil {
		return nil, err
	}
	idx := int(v) - firstReference
	if idx < 0 || idx >= len(r.objects) {
		return nil, fmt.Errorf("typedstream: dangling object reference %d", idx)
	}
	return r.objects[idx], nil
}

// readObjectBody captures typed groups until the end-of-object marker,
// then hands known Foundation/AppKit classes to their interpreters.
func (r *reader) readObjectBody(cls *Class) (Node, error) {
	var groups []Group
	for {
		head, err := r.peek()
		if err != nil {
			return nil, err
		}
		if head == tagEnd {
			r.off++
			break
		}
		g, err := r.readGroup()
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return interpretObject(cls, groups), nil
}

func (r *reader) readGroup() (Group, error) {
	types, present, err := r.readSharedString()
	if err != nil {
		return Group{}, err
	}
	if !present {
		return Group{}, fmt.Errorf("typedstream: value group without a type string")
	}
	g := Group{Types: types}
	for i := 0; i < len(types); {
		node, consumed, err := r.readValue(types[i:])
		if err != nil {
			return Group{}, err
		}
		g.Values = append(g.Values, node)
		i += consumed
	}
	return g, nil
}

// readValue decodes one value for the leading code of enc and reports
// how many bytes of the encoding it consumed.
func (r *reader) readValue(enc string) (Node, int, error) {
	switch enc[0] {
	case '@':
		n, err := r.readObject()
		return n, 1, err
	case '#':
		cls, err := r.readClass()
		return cls, 1, err
	case '*', '%', ':':
		s, present, err := r.readSharedString()
		if err != nil {
			return nil, 0, err
		}
		if !present {
			return nil, 1, nil
		}
		return &Scalar{Value: s}, 1, nil
	case '+':
		b, err := r.readUnsharedString()
		if err != nil {
			return nil, 0, err
		}
		return &Scalar{Value: b}, 1, nil
	case 'c', 'C':
		b, err := r.u8()
		if err != nil {
			return nil, 0, err
		}
		return &Scalar{Value: int64(int8(b))}, 1, nil
	case 's', 'S', 'i', 'I', 'l', 'L', 'q', 'Q':
		v, err := r.readInt()
		if err != nil {
			return nil, 0, err
		}
		return &Scalar{Value: v}, 1, nil
	case 'f':
		v, err := r.readFloat(4)
		if err != nil {
			return nil, 0, err
		}
		return &Scalar{Value: v}, 1, nil
	case 'd':
		v, err := r.readFloat(8)
		if err != nil {
			return nil, 0, err
		}
		return &Scalar{Value: v}, 1, nil
	case '[':
		return r.readArrayValue(enc)
	case '{':
		return r.readStructValue(enc)
	}
	return nil, 0, fmt.Errorf("typedstream: unsupported type encoding %q", enc)
}

// readArrayValue handles encodings like "[36c]": a count, an element
// type and the closing bracket. Byte arrays are returned raw.
func (r *reader) readArrayValue(enc string) (Node, int, error) {
	end := strings.IndexByte(enc, ']')
	if end < 0 {
		return nil, 0, fmt.Errorf("typedstream: unterminated array encoding %q", enc)
	}
	inner := enc[1:end]
	i := 0
	count := 0
	for i < len(inner) && inner[i] >= '0' && inner[i] <= '9' {
		count = count*10 + int(inner[i]-'0')
		i++
	}
	elem := inner[i:]
	if elem == "" {
		return nil, 0, fmt.Errorf("typedstream: array encoding %q lacks an element type", enc)
	}

	if elem == "c" || elem == "C" {
		b, err := r.take(count)
		if err != nil {
			return nil, 0, err
		}
		return &Scalar{Value: b}, end + 1, nil
	}

	// The count is stream-supplied and every element costs at least one
	// byte, so a declared count beyond the remaining buffer can never be
	// satisfied. Reject it up front instead of sizing a slice by it.
	if count > len(r.buf)-r.off {
		return nil, 0, fmt.Errorf("typedstream: array count %d exceeds remaining data", count)
	}

	arr := &Array{Elems: make([]Node, 0, count)}
	for n := 0; n < count; n++ {
		v, _, err := r.readValue(elem)
		if err != nil {
			return nil, 0, err
		}
		arr.Elems = append(arr.Elems, v)
	}
	return arr, end + 1, nil
}

// readStructValue handles encodings like "{point=ff}": member values
// in declaration order.
func (r *reader) readStructValue(enc string) (Node, int, error) {
	end := matchBrace(enc)
	if end < 0 {
		return nil, 0, fmt.Errorf("typedstream: unterminated struct encoding %q", enc)
	}
	members := enc[1:end]
	if i := strings.IndexByte(members, '='); i >= 0 {
		members = members[i+1:]
	}

	var arr Array
	for i := 0; i < len(members); {
		v, consumed, err := r.readValue(members[i:])
		if err != nil {
			return nil, 0, err
		}
		arr.Elems = append(arr.Elems, v)
		i += consumed
	}
	return &arr, end + 1, nil
}

func matchBrace(enc string) int {
	depth := 0
	for i := 0; i < len(enc); i++ {
		switch enc[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
