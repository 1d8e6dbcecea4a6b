package model

import "time"

// UnknownParticipant is appended when a decoded conversation has fewer
// than two participants, because the email From/To headers need two
// distinct values.
const UnknownParticipant = "UNKNOWN"

// Conversation is one logical chat session decoded from an iChat archive.
type Conversation struct {
	Protocol       string
	Participants   []string
	Names          []string
	StartTime      *time.Time
	EndTime        *time.Time
	TotalMessages  int
	HasAttachments bool
	Messages       []Message
}

// Message is a single utterance within a conversation. Pointer fields
// distinguish "never recorded" from a recorded-but-empty value; the
// legacy archives make that distinction for the sender.
type Message struct {
	GUID       string
	Sender     *string
	SenderRef  string
	Timestamp  *time.Time
	Text       *string
	FontName   string
	FontSize   *float64
	TextColor  string
	BGColor    string
	Attachment *Attachment
}

// Attachment is a file embedded in a message.
type Attachment struct {
	Name      string
	Data      []byte
	MIMEType  string
	ContentID string
}

// Output is one converted conversation ready for a sink stage.
type Output struct {
	Source string
	Hash   string
	Name   string
	From   string
	Time   time.Time
	EML    []byte
}

// Envelope wraps a decoded conversation alongside an optional error
// encountered while decoding its source file.
type Envelope struct {
	Source       string
	Hash         string
	Raw          []byte
	Conversation *Conversation
	Err          error
}

// AddParticipant appends id if it has not been seen yet, preserving
// first-seen order.
func (c *Conversation) AddParticipant(id string) {
	for _, p := range c.Participants {
		if p == id {
			return
		}
	}
	c.Participants = append(c.Participants, id)
}

// HasParticipant reports whether id was already discovered.
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// NormalizeParticipants pads the participant list with UNKNOWN until it
// holds at least two entries.
func (c *Conversation) NormalizeParticipants() {
	for len(c.Participants) < 2 {
		c.Participants = append(c.Participants, UnknownParticipant)
	}
}

// Time returns the canonical timestamp used to label the conversation:
// the explicit end time when the archive recorded one, otherwise the
// timestamp of the last message that carries one.
func (c *Conversation) Time() (time.Time, bool) {
	if c.EndTime != nil {
		return *c.EndTime, true
	}
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if ts := c.Messages[i].Timestamp; ts != nil {
			return *ts, true
		}
	}
	return time.Time{}, false
}
