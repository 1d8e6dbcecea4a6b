package plist

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadin2048/ichat-to-eml/attachment"
	"github.com/kadin2048/ichat-to-eml/model"
	"github.com/kadin2048/ichat-to-eml/rtfd"
)

// Decoder adapts keyed-archive conversation logs into the canonical
// model. The zero value is usable; Logger, when set, receives warnings
// about attachments that had to be dropped.
type Decoder struct {
	Logger *slog.Logger
}

// DecodeConversation decodes a .ichat binary plist log with a default
// Decoder.
func DecodeConversation(data []byte) (*model.Conversation, error) {
	return (&Decoder{}).DecodeConversation(data)
}

// DecodeConversation walks the keyed-archive object graph once and
// produces one conversation. Objects that are not InstantMessage
// records are ignored. A missing root or metadata object is fatal;
// missing optional fields are simply absent in the output.
func (d *Decoder) DecodeConversation(data []byte) (*model.Conversation, error) {
	root, meta, err := unarchive(data)
	if err != nil {
		return nil, err
	}

	conv := &model.Conversation{}

	md, ok := asDict(meta)
	if !ok {
		return nil, fmt.Errorf("%w: metadata is not a dictionary", ErrBadArchive)
	}
	d.decodeMetadata(md, conv)

	rootList, ok := asList(root)
	if !ok || len(rootList) < 3 {
		return nil, fmt.Errorf("%w: root object carries no message list", ErrBadArchive)
	}
	msgs, ok := asList(rootList[2])
	if !ok {
		return nil, fmt.Errorf("%w: message list has unexpected shape", ErrBadArchive)
	}

	for _, mv := range msgs {
		obj, ok := asDict(mv)
		if !ok || className(obj) != "InstantMessage" {
			continue
		}
		conv.Messages = append(conv.Messages, d.decodeMessage(obj, conv))
	}

	conv.NormalizeParticipants()
	return conv, nil
}

func (d *Decoder) decodeMetadata(md map[string]interface{}, conv *model.Conversation) {
	if t, ok := asTime(md["StartTime"]); ok {
		utc := t.UTC()
		conv.StartTime = &utc
	}
	if t, ok := asTime(md["EndTime"]); ok {
		utc := t.UTC()
		conv.EndTime = &utc
	}

	if service, ok := asString(md["Service"]); ok {
		// Normalized to the short code the old typedstream logs used,
		// so both formats label AIM conversations identically.
		if service == "AOL Instant Messenger" {
			conv.Protocol = "AIM"
		} else {
			conv.Protocol = service
		}
	}

	// Human-readable names: a single string for one participant, more
	// commonly a list of two.
	switch p := md["Participants"].(type) {
	case string:
		conv.Names = append(conv.Names, strings.TrimSpace(p))
	case []interface{}:
		for _, v := range p {
			if s, ok := asString(v); ok {
				conv.Names = append(conv.Names, strings.TrimSpace(s))
			}
		}
	}

	// Account names or phone numbers.
	if ids, ok := asList(md["PresentityIDs"]); ok {
		for _, v := range ids {
			if s, ok := asString(v); ok {
				conv.AddParticipant(accountToken(s))
			}
		}
	}

	if n, ok := asInt(md["LastMessageID"]); ok { // present on iMessage logs only
		conv.TotalMessages = int(n)
	}
}

func (d *Decoder) decodeMessage(obj map[string]interface{}, conv *model.Conversation) model.Message {
	var msg model.Message

	if guid, ok := asString(obj["GUID"]); ok {
		msg.GUID = guid
	}

	if sv, present := obj["Sender"]; present {
		if sv == nil {
			// The archive explicitly recorded no sender.
			empty := ""
			msg.Sender = &empty
		} else if sender, ok := asDict(sv); ok {
			if id, ok := asString(sender["ID"]); ok {
				from := accountToken(id)
				msg.Sender = &from
				conv.AddParticipant(from)
			} else if ref, ok := asString(sender["AccountID"]); ok {
				msg.SenderRef = ref
			}
		}
	}

	if t, ok := asTime(obj["Time"]); ok {
		utc := t.UTC()
		msg.Timestamp = &utc
	}

	mt, ok := asDict(obj["MessageText"])
	if !ok {
		return msg
	}
	if s, ok := asString(mt["NSString"]); ok {
		msg.Text = &s
	}

	attrs, present := mt["NSAttributes"]
	if !present {
		return msg
	}
	// The attributes usually appear as a dictionary, but some archives
	// wrap them in a one-element list.
	if ad, ok := asDict(attrs); ok {
		d.applyFont(ad, &msg)
		d.applyAttachment(ad, &msg, conv)
	} else if al, ok := asList(attrs); ok && len(al) > 0 {
		if ad, ok := asDict(al[0]); ok {
			d.applyFont(ad, &msg)
		}
	}

	return msg
}

func (d *Decoder) applyFont(attrs map[string]interface{}, msg *model.Message) {
	font, ok := asDict(attrs["NSFont"])
	if !ok {
		return
	}
	if name, ok := asString(font["NSName"]); ok {
		msg.FontName = name
	}
	if size, ok := asFloat(font["NSSize"]); ok {
		msg.FontSize = &size
	}
}

func (d *Decoder) applyAttachment(attrs map[string]interface{}, msg *model.Message, conv *model.Conversation) {
	ad, ok := asDict(attrs["NSAttachment"])
	if !ok {
		return
	}
	wrapper, present := ad["NSFileWrapper"]
	if !present {
		return
	}
	conv.HasAttachments = true

	if wrapper == nil {
		// Documented empty-wrapper case: an attachment slot with no
		// payload. No content identifier for empty data.
		msg.Attachment = &model.Attachment{Name: attachment.EmptyName}
		return
	}

	wd, ok := asDict(wrapper)
	if !ok {
		return
	}
	raw, ok := asBytes(wd["NSFileWrapperData"])
	if !ok {
		return
	}
	if !rtfd.HasMagic(raw) {
		// Non-container payloads have not been observed in these
		// archives; nothing usable to extract.
		return
	}

	file, err := rtfd.Decode(raw)
	if err != nil {
		// Confine the damage to the attachment; the message and its
		// text survive.
		if d.Logger != nil {
			d.Logger.Warn("dropping undecodable attachment", "err", err)
		}
		return
	}

	name := file.Name
	if name == "" {
		name = attachment.DefaultName
	}
	att := &model.Attachment{
		Name:     name,
		Data:     file.Data,
		MIMEType: attachment.SniffType(file.Data),
	}
	if len(att.Data) > 0 {
		att.ContentID = attachment.ContentID(att.Data)
	}
	msg.Attachment = att
}

// accountToken reduces a composite participant identifier of the form
// "service:account" to its final segment, the actual account token.
func accountToken(id string) string {
	if i := strings.LastIndex(id, ":"); i >= 0 {
		return id[i+1:]
	}
	return id
}
