// Package rtfd decodes the serialized NSFileWrapper containers that
// iChat embeds in message attachments. The format is a small
// length-prefixed structure: a fixed header, a name table, a size
// table and a content table, all positionally correlated. There is no
// public documentation for it; the layout below was worked out from
// real archives.
package rtfd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// Magic is the four-byte marker at the start of every container.
var Magic = []byte("rtfd")

var (
	// ErrBadMagic is returned when the input does not start with the
	// container magic marker.
	ErrBadMagic = errors.New("rtfd: missing magic marker")
	// ErrTruncated is returned when a length or offset read from the
	// container points past the end of the buffer.
	ErrTruncated = errors.New("rtfd: truncated data")
)

// Well-known part names. The preferred-name parts carry the display
// filename, the dot parts carry the file content.
const (
	partNameUTF8  = "__@UTF8PreferredName@__"
	partNamePlain = "__@PreferredName@__"
	partNameData  = ".."
	partNameAlt   = "."
)

// File is the logical content of a decoded container: the display
// filename (empty when the container has no name part) and the raw
// file bytes (nil when it has no data part).
type File struct {
	Name string
	Data []byte
}

// part is one chunk of the container. Parts must never be reordered:
// the three tables correlate purely by position, not by name.
type part struct {
	index   int
	name    []byte
	size    int
	content []byte
	file    []byte
}

// cursor walks a byte buffer in sequential passes with bounds checks.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) readInt32() (int32, error) {
	if c.off < 0 || c.off+4 > len(c.buf) {
		return 0, ErrTruncated
	}
	v := int32(binary.LittleEndian.Uint32(c.buf[c.off:]))
	c.off += 4
	return v, nil
}

func (c *cursor) readBytes(n int) ([]byte, error) {
	if n < 0 || c.off < 0 || c.off+n > len(c.buf) {
		return nil, ErrTruncated
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// HasMagic reports whether data begins with the container magic marker.
func HasMagic(data []byte) bool {
	return len(data) >= len(Magic) && bytes.Equal(data[:len(Magic)], Magic)
}

// Decode parses a serialized NSFileWrapper container and resolves its
// filename and data parts. It returns ErrBadMagic when the marker is
// absent and ErrTruncated when any table runs past the buffer.
func Decode(data []byte) (File, error) {
	if !HasMagic(data) {
		return File{}, ErrBadMagic
	}

	cur := cursor{buf: data, off: len(Magic)}
	if _, err := cur.readInt32(); err != nil { // padding, historically zero
		return File{}, err
	}
	if _, err := cur.readInt32(); err != nil { // version, observed 3, not enforced
		return File{}, err
	}
	count, err := cur.readInt32()
	if err != nil {
		return File{}, err
	}

	// The count comes from the wire; a container cannot hold more parts
	// than the remaining bytes can describe (4 name-length bytes plus 4
	// size bytes each), so cap it before allocating.
	if count < 0 || int(count) > (len(data)-cur.off)/8 {
		return File{}, ErrTruncated
	}

	// Pass one: the name table. Each record is a length-prefixed name.
	parts := make([]part, 0, int(count))
	for i := 0; i < int(count); i++ {
		nameLen, err := cur.readInt32()
		if err != nil {
			return File{}, err
		}
		name, err := cur.readBytes(int(nameLen))
		if err != nil {
			return File{}, err
		}
		parts = append(parts, part{index: i, name: name})
	}

	// Pass two: one size per part, in name-table order. All sizes must
	// be read before any content byte, because the content blocks are
	// contiguous in this same order.
	for i := range parts {
		size, err := cur.readInt32()
		if err != nil {
			return File{}, err
		}
		parts[i].size = int(size)
	}

	// Pass three: the raw content blocks.
	for i := range parts {
		content, err := cur.readBytes(parts[i].size)
		if err != nil {
			return File{}, err
		}
		parts[i].content = content
	}

	// Each content block carries its own inner header around the file
	// bytes.
	for i := range parts {
		file, err := trimContent(parts[i].content)
		if err != nil {
			return File{}, err
		}
		parts[i].file = file
	}

	var out File
	// The first part named with either preferred-name marker supplies
	// the filename; container order wins, not a fixed preference.
	for _, p := range parts {
		if bytes.Equal(p.name, []byte(partNameUTF8)) || bytes.Equal(p.name, []byte(partNamePlain)) {
			out.Name = string(p.file)
			break
		}
	}
	// Same first-match rule for the data part.
	for _, p := range parts {
		if bytes.Equal(p.name, []byte(partNameData)) || bytes.Equal(p.name, []byte(partNameAlt)) {
			out.Data = p.file
			break
		}
	}

	return out, nil
}

// trimContent strips the inner header of one content block and returns
// the file bytes. The standard layout is a constant header field, a
// size field and content at offset 8. When the size field holds the
// math.MinInt32 sentinel the part was too large for the standard
// layout: the true size follows at offset 8, then a padding length,
// and content starts at 16 plus that padding. Why the sentinel works
// this way is undocumented; the branch reproduces observed archives.
func trimContent(content []byte) ([]byte, error) {
	inner := cursor{buf: content}
	if _, err := inner.readInt32(); err != nil { // content header, observed 1
		return nil, err
	}
	size, err := inner.readInt32()
	if err != nil {
		return nil, err
	}
	start := 8
	if size == math.MinInt32 {
		size, err = inner.readInt32()
		if err != nil {
			return nil, err
		}
		padding, err := inner.readInt32()
		if err != nil {
			return nil, err
		}
		start = 16 + int(padding)
	}
	if size < 0 || start < 0 || start+int(size) > len(content) {
		return nil, ErrTruncated
	}
	return content[start : start+int(size)], nil
}
