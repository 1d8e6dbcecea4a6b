package typedstream

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadin2048/ichat-to-eml/attachment"
	"github.com/kadin2048/ichat-to-eml/model"
	"github.com/kadin2048/ichat-to-eml/rtfd"
)

// errSkipMessage signals that a message's traversal reached an
// expected-but-absent nesting level. The message is dropped and its
// siblings are kept; this is the only partial-failure path.
var errSkipMessage = errors.New("typedstream: message structure incomplete")

// Decoder adapts legacy .chat archives into the canonical model. The
// zero value is usable; Logger, when set, receives notes about skipped
// messages and dropped attachments.
type Decoder struct {
	Logger *slog.Logger
}

// DecodeConversation decodes a .chat typedstream log with a default
// Decoder.
func DecodeConversation(data []byte) (*model.Conversation, error) {
	return (&Decoder{}).DecodeConversation(data)
}

// DecodeConversation unarchives the stream and walks its object graph
// once. Element 0 holds the protocol name, element 2 the message
// array; later elements may hold stray Presentity objects that still
// identify participants.
func (d *Decoder) DecodeConversation(data []byte) (*model.Conversation, error) {
	arch, err := Unarchive(data)
	if err != nil {
		return nil, err
	}
	return d.convert(arch)
}

func (d *Decoder) convert(arch *Archive) (*model.Conversation, error) {
	if len(arch.Elements) < 3 {
		return nil, fmt.Errorf("%w: archive carries no message list", ErrBadArchive)
	}

	conv := &model.Conversation{}
	if proto, ok := asString(arch.Elements[0]); ok {
		conv.Protocol = proto
	}
	// Element 1 is an empty string of unknown purpose.

	msgs, ok := asArray(arch.Elements[2])
	if !ok {
		return nil, fmt.Errorf("%w: message list has unexpected shape", ErrBadArchive)
	}

	for _, n := range msgs.Elems {
		obj, ok := asObject(n)
		if !ok || obj.Kind() != "InstantMessage" {
			continue
		}
		msg, err := d.decodeMessage(obj, conv)
		if err != nil {
			if d.Logger != nil {
				d.Logger.Debug("skipping message with incomplete structure", "err", err)
			}
			continue
		}
		conv.Messages = append(conv.Messages, msg)
	}

	d.collectStrayParticipants(arch, conv)

	conv.NormalizeParticipants()
	return conv, nil
}

// decodeMessage inspects each content element of an InstantMessage by
// shape. Elements that do not match any known shape are ignored;
// matched elements with missing required nesting abort the message.
func (d *Decoder) decodeMessage(obj *Object, conv *model.Conversation) (model.Message, error) {
	var msg model.Message

	for _, g := range obj.Contents {
		n, ok := g.First()
		if !ok {
			continue
		}
		if t, ok := asTime(n); ok {
			utc := t.UTC()
			msg.Timestamp = &utc
			continue
		}
		el, ok := asObject(n)
		if !ok {
			continue
		}
		switch {
		case el.IsKindOf("Presentity"):
			id, err := presentityID(el)
			if err != nil {
				return model.Message{}, err
			}
			msg.Sender = &id
			conv.AddParticipant(id)
		case el.IsKindOf("NSAttributedString"):
			if err := d.applyAttributedString(el, &msg, conv); err != nil {
				return model.Message{}, err
			}
		}
	}

	return msg, nil
}

// presentityID digs the account identifier out of a Presentity object:
// its second content value is the identifier string.
func presentityID(obj *Object) (string, error) {
	n, ok := obj.ContentAt(1)
	if !ok {
		return "", errSkipMessage
	}
	id, ok := asString(n)
	if !ok {
		return "", errSkipMessage
	}
	return id, nil
}

// applyAttributedString extracts the message body and the style run
// attributes: content 0 is the string, content 2 the attribute
// dictionary. Both levels are required; individual attributes are not.
func (d *Decoder) applyAttributedString(obj *Object, msg *model.Message, conv *model.Conversation) error {
	textNode, ok := obj.ContentAt(0)
	if !ok {
		return errSkipMessage
	}
	text, ok := asString(textNode)
	if !ok {
		return errSkipMessage
	}
	msg.Text = &text

	attrNode, ok := obj.ContentAt(2)
	if !ok {
		return errSkipMessage
	}
	attrs, ok := asDict(attrNode)
	if !ok {
		return errSkipMessage
	}

	for i, k := range attrs.Keys {
		key, ok := asString(k)
		if !ok || i >= len(attrs.Values) {
			continue
		}
		switch key {
		case "NSFont":
			if f, ok := attrs.Values[i].(*Font); ok {
				msg.FontName = f.Name
				size := f.Size
				msg.FontSize = &size
			}
		case "NSColor":
			if c, ok := attrs.Values[i].(*Color); ok {
				msg.TextColor = fmt.Sprintf("rgba(%d, %d, %d, %v)",
					int(c.R*255), int(c.G*255), int(c.B*255), c.A)
			}
		case "NSBackgroundColor":
			if c, ok := attrs.Values[i].(*Color); ok {
				msg.BGColor = fmt.Sprintf("rgba(%d,%d,%d,%v)",
					int(c.R*255), int(c.G*255), int(c.B*255), c.A)
			}
		case "NSAttachment":
			if err := d.applyAttachment(attrs.Values[i], msg, conv); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyAttachment follows the fixed indirection chain from an
// NSAttachment attribute to its raw payload: the attachment object's
// first group carries the file wrapper as its second value, and the
// wrapper's first content value is the data object.
func (d *Decoder) applyAttachment(n Node, msg *model.Message, conv *model.Conversation) error {
	obj, ok := asObject(n)
	if !ok || len(obj.Contents) == 0 || len(obj.Contents[0].Values) < 2 {
		return errSkipMessage
	}
	wrapper, ok := asObject(obj.Contents[0].Values[1])
	if !ok {
		return errSkipMessage
	}
	dataNode, ok := wrapper.ContentAt(0)
	if !ok {
		return errSkipMessage
	}
	raw, ok := asBytes(dataNode)
	if !ok {
		return errSkipMessage
	}

	att := &model.Attachment{
		Name:     attachment.DefaultName,
		Data:     raw,
		MIMEType: attachment.SniffType(raw),
	}
	if att.MIMEType == attachment.TypeNSFileWrapper {
		file, err := rtfd.Decode(raw)
		if err != nil {
			// Confine the damage to the attachment; the message and
			// its text survive.
			if d.Logger != nil {
				d.Logger.Warn("dropping undecodable attachment", "err", err)
			}
			return nil
		}
		name := file.Name
		if name == "" {
			name = attachment.DefaultName
		}
		att = &model.Attachment{
			Name:     name,
			Data:     file.Data,
			MIMEType: attachment.SniffType(file.Data),
		}
	}
	if len(att.Data) > 0 {
		att.ContentID = attachment.ContentID(att.Data)
	}

	msg.Attachment = att
	conv.HasAttachments = true
	return nil
}

// collectStrayParticipants scans everything from the message list
// onward for Presentity objects living outside any message. Their
// string values name participants, unless the value is part of the
// protocol string.
func (d *Decoder) collectStrayParticipants(arch *Archive, conv *model.Conversation) {
	for _, el := range arch.Elements[2:] {
		arr, ok := asArray(el)
		if !ok {
			continue
		}
		for _, n := range arr.Elems {
			obj, ok := asObject(n)
			if !ok || obj.Kind() != "Presentity" {
				continue
			}
			for _, g := range obj.Contents {
				v, ok := g.First()
				if !ok {
					continue
				}
				s, ok := asString(v)
				if !ok || s == "" {
					continue
				}
				if !conv.HasParticipant(s) && !strings.Contains(conv.Protocol, s) {
					conv.AddParticipant(s)
				}
			}
		}
	}
}
