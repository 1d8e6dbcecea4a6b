// Package attachment resolves MIME types and content identifiers for
// attachment payloads pulled out of chat archives.
package attachment

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kadin2048/ichat-to-eml/rtfd"
)

// TypeNSFileWrapper is the private MIME type used for serialized
// NSFileWrapper payloads. There is no registered IANA type for them,
// and the sniffing library cannot know the format, so it is
// special-cased before delegation.
const TypeNSFileWrapper = "application/x-nsfilewrapper-serialized"

// DefaultName is used when a source archive supplies no attachment name.
const DefaultName = "Unnamed Attachment"

// EmptyName labels the documented empty-wrapper case.
const EmptyName = "Empty Attachment"

// SniffType returns the MIME type of data. Serialized NSFileWrapper
// containers are reported with their private type; everything else is
// detected from the magic bytes.
func SniffType(data []byte) string {
	if rtfd.HasMagic(data) {
		return TypeNSFileWrapper
	}
	t := mimetype.Detect(data).String()
	if i := strings.Index(t, ";"); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}

// ContentID derives the content identifier for an attachment payload:
// an md5 digest in hex. It is used purely as a stable cross-reference
// key between the message body and the attachment part, not for
// integrity.
func ContentID(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
