// Package eml renders a decoded conversation as an RFC-compliant MIME
// message with plaintext and HTML views and the attachments inline.
package eml

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"html"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"

	"github.com/kadin2048/ichat-to-eml/model"
)

const converterName = "ichat-to-eml"

// css styles the HTML view of the conversation.
const css = `<style type = text/css>
.screenname {
  font-weight: bold;
}
.timestamp {
  font-size: 10pt;
  color: grey;
}
</style>`

const (
	dateFormatRFC2822 = "Mon, 02 Jan 2006 15:04:05 -0700"
	dateFormatSubject = "Mon, Jan 02 2006"
	timeFormatClock   = "03:04:05 PM"
)

// Options control the presentation choices that are not part of the
// conversation itself.
type Options struct {
	// Location renders message timestamps in a specific zone;
	// defaults to the local one.
	Location *time.Location
	// StripBackground drops background colors from the HTML view.
	StripBackground bool
	// Original, when set, is attached to the output as an
	// application/octet-stream copy of the source log.
	Original []byte
}

// Build assembles one MIME message from a conversation. The source
// path feeds the Subject line: the log file name is the only place
// iChat stored the other person's real name.
func Build(conv *model.Conversation, sourcePath string, opts Options) ([]byte, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	convTime, hasTime := conv.Time()
	fakeDomain := conv.Protocol + ".ichat.invalid"

	var rootHeader message.Header
	rootHeader.Set("Mime-Version", "1.0")
	rootHeader.SetContentType("multipart/related", nil)
	rootHeader.Set("Subject", subjectFor(sourcePath, convTime, hasTime, loc))

	// The originator of the conversation is From and the first other
	// participant is To; the pseudo domain keeps the addresses valid.
	from := participantAt(conv, 0)
	to := participantAt(conv, 1)
	rootHeader.Set("From", fmt.Sprintf("%q <%s@%s>", from, from, fakeDomain))
	rootHeader.Set("To", fmt.Sprintf("%q <%s@%s>", to, to, fakeDomain))

	var dateHeader string
	if hasTime {
		dateHeader = convTime.In(loc).Format(dateFormatRFC2822)
		rootHeader.Set("Date", dateHeader)
	}

	// Grouping all conversations with the same person under one
	// References value lets a mail client thread them. Participants
	// are sorted and lowercased so the initiator does not matter.
	sorted := append([]string(nil), conv.Participants...)
	sort.Strings(sorted)
	rootHeader.Set("References",
		fmt.Sprintf("<%s@%s>", md5hex([]byte(strings.ToLower(strings.Join(sorted, " ")))), fakeDomain))

	textBody := plainView(conv, loc)
	subject := rootHeader.Get("Subject")
	rootHeader.Set("Message-Id",
		fmt.Sprintf("<%s@%s>", md5hex([]byte(dateHeader+subject+textBody)), fakeDomain))

	rootHeader.Set("X-Original-File", sourcePath)
	rootHeader.Set("X-Converted-By", converterName)
	rootHeader.Set("X-Converted-Date", time.Now().Format(dateFormatRFC2822))

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, rootHeader)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	var altHeader message.Header
	altHeader.SetContentType("multipart/alternative", nil)
	alt, err := w.CreatePart(altHeader)
	if err != nil {
		return nil, fmt.Errorf("create alternative part: %w", err)
	}

	if err := writeTextPart(alt, "text/plain", textBody); err != nil {
		return nil, err
	}
	if err := writeTextPart(alt, "text/html", htmlView(conv, loc, opts.StripBackground)); err != nil {
		return nil, err
	}
	if err := alt.Close(); err != nil {
		return nil, fmt.Errorf("close alternative part: %w", err)
	}

	for i := range conv.Messages {
		att := conv.Messages[i].Attachment
		if att == nil || len(att.Data) == 0 {
			continue
		}
		if err := writeAttachment(w, att); err != nil {
			return nil, err
		}
	}

	if len(opts.Original) > 0 {
		if err := writeOriginal(w, opts.Original, filepath.Base(sourcePath)); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

// subjectFor builds the Subject from the log file name. iChat used two
// naming conventions over time: the original numbered form
// "John Doe #7.chat" (until late 2003) and the timestamped form
// "John Doe on 2004-07-06 at 01.35.chat" afterwards.
func subjectFor(sourcePath string, convTime time.Time, hasTime bool, loc *time.Location) string {
	base := filepath.Base(sourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	var name string
	switch {
	case strings.Contains(base, " #"):
		name = strings.SplitN(stem, " #", 2)[0]
	case strings.Contains(base, " on "):
		name = strings.SplitN(stem, " on ", 2)[0]
	default:
		// First chat with a new person under the old convention: no
		// number, just the name.
		name = stem
	}

	subject := "iChat with " + name
	if hasTime {
		subject += " on " + convTime.In(loc).Format(dateFormatSubject)
	}
	return subject
}

func participantAt(conv *model.Conversation, i int) string {
	if i < len(conv.Participants) {
		return conv.Participants[i]
	}
	return model.UnknownParticipant
}

// plainView renders the conversation as plain text, one line per
// message plus a reference line per attachment.
func plainView(conv *model.Conversation, loc *time.Location) string {
	var lines []string
	for i := range conv.Messages {
		msg := &conv.Messages[i]
		var line strings.Builder
		if msg.Timestamp != nil {
			line.WriteString("(" + msg.Timestamp.In(loc).Format(timeFormatClock) + ") ")
		}
		if msg.Sender != nil {
			line.WriteString(*msg.Sender + ":\t")
		}
		if msg.Text != nil {
			line.WriteString(*msg.Text)
		}
		lines = append(lines, line.String())
		if att := msg.Attachment; att != nil {
			lines = append(lines, fmt.Sprintf("\tAttachment: <%s> %q", att.ContentID, att.Name))
		}
	}
	return strings.Join(lines, "\n")
}

// htmlView renders the conversation as simple HTML with per-message
// inline styles and cid links to the attachment parts.
func htmlView(conv *model.Conversation, loc *time.Location, stripBackground bool) string {
	var lines []string
	lines = append(lines,
		`<!DOCTYPE HTML PUBLIC "-//W3C//DTD HTML 4.01 Transitional//EN">`,
		"<html>",
		"<head>\n"+css+"\n</head>",
		"<body>")

	for i := range conv.Messages {
		msg := &conv.Messages[i]
		var line strings.Builder
		line.WriteString(`<p class="message">`)
		if msg.Timestamp != nil {
			line.WriteString(`<span class="timestamp">`)
			line.WriteString("(" + msg.Timestamp.In(loc).Format(timeFormatClock) + ")&nbsp;")
			line.WriteString("</span>")
		}
		if msg.Sender != nil {
			line.WriteString(`<span class="screenname">`)
			line.WriteString(html.EscapeString(*msg.Sender) + ":&ensp;")
			line.WriteString("</span>")
		}
		if msg.Text != nil {
			line.WriteString("<span")
			if style := styleFor(msg, stripBackground); style != "" {
				line.WriteString(` style="` + style + `"`)
			}
			line.WriteString(` class="message_text">`)
			line.WriteString(strings.ReplaceAll(html.EscapeString(*msg.Text), "\n", "<br>"))
			line.WriteString("</span>")
		}
		if att := msg.Attachment; att != nil {
			line.WriteString("\n<br>" + `<span class="attachment">Attachment:&nbsp;`)
			if att.ContentID != "" {
				line.WriteString(fmt.Sprintf(`<a href="cid:%s">%s</a>`, att.ContentID, html.EscapeString(att.Name)))
			} else {
				line.WriteString(html.EscapeString(att.Name))
			}
			line.WriteString("</span>")
		}
		line.WriteString("</p>")
		lines = append(lines, line.String())
	}

	lines = append(lines, "</body>", "</html>")
	return strings.Join(lines, "\n")
}

func styleFor(msg *model.Message, stripBackground bool) string {
	var style strings.Builder
	if msg.FontName != "" {
		style.WriteString("font-family: " + msg.FontName + "; ")
	}
	if msg.FontSize != nil {
		style.WriteString(fmt.Sprintf("font-size: %dpt; ", int(*msg.FontSize)))
	}
	if msg.TextColor != "" {
		style.WriteString("color: " + msg.TextColor + "; ")
	}
	if msg.BGColor != "" && !stripBackground {
		style.WriteString("background-color: " + msg.BGColor + "; ")
	}
	return style.String()
}

func writeTextPart(w *message.Writer, contentType, body string) error {
	var h message.Header
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return part.Close()
}

func writeAttachment(w *message.Writer, att *model.Attachment) error {
	mimeType := att.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var h message.Header
	h.SetContentType(mimeType, nil)
	h.Set("Content-Transfer-Encoding", "base64")
	h.SetContentDisposition("attachment", map[string]string{"filename": att.Name})
	if att.ContentID != "" {
		h.Set("Content-Id", "<"+att.ContentID+">")
	}

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create attachment part: %w", err)
	}
	if _, err := part.Write(att.Data); err != nil {
		return fmt.Errorf("write attachment part: %w", err)
	}
	return part.Close()
}

// writeOriginal appends the raw source log so the unconverted archive
// travels with the message.
func writeOriginal(w *message.Writer, raw []byte, filename string) error {
	var h message.Header
	h.SetContentType("application/octet-stream", nil)
	h.Set("Content-Transfer-Encoding", "base64")
	h.SetContentDisposition("attachment", map[string]string{"filename": filename})

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create original-log part: %w", err)
	}
	if _, err := part.Write(raw); err != nil {
		return fmt.Errorf("write original-log part: %w", err)
	}
	return part.Close()
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
