package plist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	plistlib "howett.net/plist"
)

// marshalArchive serializes an $objects table plus top references the
// way NSKeyedArchiver lays out a binary .ichat file.
func marshalArchive(t *testing.T, objects []interface{}, root, metadata plistlib.UID) []byte {
	t.Helper()
	top := map[string]interface{}{
		"$archiver": "NSKeyedArchiver",
		"$version":  100000,
		"$objects":  objects,
		"$top": map[string]interface{}{
			"root":     root,
			"metadata": metadata,
		},
	}
	data, err := plistlib.Marshal(top, plistlib.BinaryFormat)
	if err != nil {
		t.Fatalf("marshal archive: %v", err)
	}
	return data
}

func uid(n int) plistlib.UID { return plistlib.UID(n) }

// sampleArchive builds a two-participant AIM log with one message.
func sampleArchive(t *testing.T) []byte {
	objects := []interface{}{
		"$null", // 0
		map[string]interface{}{ // 1: root array [service, flags, messages]
			"$class":     uid(21),
			"NS.objects": []interface{}{uid(2), uid(0), uid(3)},
		},
		"AIM", // 2
		map[string]interface{}{ // 3: message array
			"$class":     uid(21),
			"NS.objects": []interface{}{uid(4)},
		},
		map[string]interface{}{ // 4: the message
			"$class":      uid(5),
			"GUID":        "msg-1",
			"Sender":      uid(6),
			"Time":        uid(7),
			"MessageText": uid(8),
		},
		map[string]interface{}{"$classname": "InstantMessage", "$classes": []interface{}{"InstantMessage", "NSObject"}}, // 5
		map[string]interface{}{ // 6: sender presentity
			"$class": uid(9),
			"ID":     "AIM:alice123",
		},
		map[string]interface{}{ // 7: NSDate
			"$class":  uid(22),
			"NS.time": 108178500.0,
		},
		map[string]interface{}{ // 8: attributed string
			"$class":       uid(23),
			"NSString":     uid(10),
			"NSAttributes": uid(11),
		},
		map[string]interface{}{"$classname": "Presentity", "$classes": []interface{}{"Presentity", "NSObject"}}, // 9
		map[string]interface{}{"NS.string": "hello there"},                                                     // 10
		map[string]interface{}{ // 11: attribute dictionary
			"NS.keys":    []interface{}{uid(12)},
			"NS.objects": []interface{}{uid(13)},
		},
		"NSFont", // 12
		map[string]interface{}{ // 13
			"$class": uid(24),
			"NSName": "Helvetica",
			"NSSize": 12.0,
		},
		map[string]interface{}{"$classname": "NSFont", "$classes": []interface{}{"NSFont", "NSObject"}}, // 14 (unused slot kept for realism)
		map[string]interface{}{ // 15: metadata
			"$class":        uid(25),
			"StartTime":     uid(16),
			"EndTime":       uid(17),
			"Service":       uid(18),
			"Participants":  uid(19),
			"PresentityIDs": uid(20),
			"LastMessageID": 42,
		},
		time.Date(2004, 7, 6, 1, 30, 0, 0, time.UTC), // 16
		time.Date(2004, 7, 6, 1, 35, 0, 0, time.UTC), // 17
		"AOL Instant Messenger",                      // 18
		map[string]interface{}{ // 19: display names
			"NS.objects": []interface{}{"Alice Smith", "Bob Jones"},
		},
		map[string]interface{}{ // 20: account ids
			"NS.objects": []interface{}{"AIM:alice123", "AIM:bob456"},
		},
		map[string]interface{}{"$classname": "NSMutableArray", "$classes": []interface{}{"NSMutableArray", "NSArray", "NSObject"}},                            // 21
		map[string]interface{}{"$classname": "NSDate", "$classes": []interface{}{"NSDate", "NSObject"}},                                                      // 22
		map[string]interface{}{"$classname": "NSMutableAttributedString", "$classes": []interface{}{"NSMutableAttributedString", "NSObject"}},                // 23
		map[string]interface{}{"$classname": "NSFont", "$classes": []interface{}{"NSFont", "NSObject"}},                                                      // 24
		map[string]interface{}{"$classname": "InstantMessageAttributes", "$classes": []interface{}{"InstantMessageAttributes", "NSObject"}},                  // 25
	}
	return marshalArchive(t, objects, uid(1), uid(15))
}

func TestDecodeConversation(t *testing.T) {
	conv, err := DecodeConversation(sampleArchive(t))
	if err != nil {
		t.Fatalf("DecodeConversation() error = %v", err)
	}

	if conv.Protocol != "AIM" {
		t.Errorf("Protocol = %q, want AIM", conv.Protocol)
	}
	if len(conv.Names) != 2 || conv.Names[0] != "Alice Smith" || conv.Names[1] != "Bob Jones" {
		t.Errorf("Names = %v", conv.Names)
	}
	if len(conv.Participants) != 2 || conv.Participants[0] != "alice123" || conv.Participants[1] != "bob456" {
		t.Errorf("Participants = %v", conv.Participants)
	}
	if conv.StartTime == nil || !conv.StartTime.Equal(time.Date(2004, 7, 6, 1, 30, 0, 0, time.UTC)) {
		t.Errorf("StartTime = %v", conv.StartTime)
	}
	if conv.EndTime == nil || !conv.EndTime.Equal(time.Date(2004, 7, 6, 1, 35, 0, 0, time.UTC)) {
		t.Errorf("EndTime = %v", conv.EndTime)
	}
	if conv.TotalMessages != 42 {
		t.Errorf("TotalMessages = %d, want 42", conv.TotalMessages)
	}

	if len(conv.Messages) != 1 {
		t.Fatalf("Messages = %d, want 1", len(conv.Messages))
	}
	msg := conv.Messages[0]
	if msg.GUID != "msg-1" {
		t.Errorf("GUID = %q", msg.GUID)
	}
	if msg.Sender == nil || *msg.Sender != "alice123" {
		t.Errorf("Sender = %v, want alice123", msg.Sender)
	}
	wantTime := appleEpoch.Add(time.Duration(108178500.0 * float64(time.Second)))
	if msg.Timestamp == nil || !msg.Timestamp.Equal(wantTime) {
		t.Errorf("Timestamp = %v, want %v", msg.Timestamp, wantTime)
	}
	if msg.Text == nil || *msg.Text != "hello there" {
		t.Errorf("Text = %v", msg.Text)
	}
	if msg.FontName != "Helvetica" {
		t.Errorf("FontName = %q", msg.FontName)
	}
	if msg.FontSize == nil || *msg.FontSize != 12 {
		t.Errorf("FontSize = %v", msg.FontSize)
	}
}

func TestDecodeConversationServicePassthrough(t *testing.T) {
	objects := []interface{}{
		"$null",
		map[string]interface{}{"NS.objects": []interface{}{uid(0), uid(0), uid(2)}},
		map[string]interface{}{"NS.objects": []interface{}{}},
		map[string]interface{}{"Service": "Jabber"},
	}
	data := marshalArchive(t, objects, uid(1), uid(3))

	conv, err := DecodeConversation(data)
	if err != nil {
		t.Fatalf("DecodeConversation() error = %v", err)
	}
	if conv.Protocol != "Jabber" {
		t.Errorf("Protocol = %q, want Jabber", conv.Protocol)
	}
}

func TestDecodeConversationPadsParticipants(t *testing.T) {
	objects := []interface{}{
		"$null",
		map[string]interface{}{"NS.objects": []interface{}{uid(0), uid(0), uid(2)}},
		map[string]interface{}{"NS.objects": []interface{}{}},
		map[string]interface{}{"Service": "AIM"},
	}
	conv, err := DecodeConversation(marshalArchive(t, objects, uid(1), uid(3)))
	if err != nil {
		t.Fatalf("DecodeConversation() error = %v", err)
	}
	if len(conv.Participants) != 2 || conv.Participants[0] != "UNKNOWN" || conv.Participants[1] != "UNKNOWN" {
		t.Errorf("Participants = %v, want two UNKNOWN entries", conv.Participants)
	}
}

func TestDecodeConversationSingleParticipantString(t *testing.T) {
	objects := []interface{}{
		"$null",
		map[string]interface{}{"NS.objects": []interface{}{uid(0), uid(0), uid(2)}},
		map[string]interface{}{"NS.objects": []interface{}{}},
		map[string]interface{}{
			"Service":      "AIM",
			"Participants": "Alice Smith ",
		},
	}
	conv, err := DecodeConversation(marshalArchive(t, objects, uid(1), uid(3)))
	if err != nil {
		t.Fatalf("DecodeConversation() error = %v", err)
	}
	if len(conv.Names) != 1 || conv.Names[0] != "Alice Smith" {
		t.Errorf("Names = %v, want trimmed single name", conv.Names)
	}
}

func TestDecodeConversationExplicitNilSender(t *testing.T) {
	objects := []interface{}{
		"$null",
		map[string]interface{}{"NS.objects": []interface{}{uid(0), uid(0), uid(2)}},
		map[string]interface{}{"NS.objects": []interface{}{uid(3)}},
		map[string]interface{}{
			"$class": uid(4),
			"Sender": uid(0), // archived as $null: recorded, but empty
		},
		map[string]interface{}{"$classname": "InstantMessage"},
		map[string]interface{}{"Service": "AIM"},
	}
	conv, err := DecodeConversation(marshalArchive(t, objects, uid(1), uid(5)))
	if err != nil {
		t.Fatalf("DecodeConversation() error = %v", err)
	}
	if len(conv.Messages) != 1 {
		t.Fatalf("Messages = %d, want 1", len(conv.Messages))
	}
	sender := conv.Messages[0].Sender
	if sender == nil || *sender != "" {
		t.Errorf("Sender = %v, want explicit empty string", sender)
	}
}

func TestDecodeConversationSenderReference(t *testing.T) {
	objects := []interface{}{
		"$null",
		map[string]interface{}{"NS.objects": []interface{}{uid(0), uid(0), uid(2)}},
		map[string]interface{}{"NS.objects": []interface{}{uid(3)}},
		map[string]interface{}{
			"$class": uid(4),
			"Sender": uid(5),
		},
		map[string]interface{}{"$classname": "InstantMessage"},
		map[string]interface{}{"AccountID": "ABCD-1234"},
		map[string]interface{}{"Service": "AIM"},
	}
	conv, err := DecodeConversation(marshalArchive(t, objects, uid(1), uid(6)))
	if err != nil {
		t.Fatalf("DecodeConversation() error = %v", err)
	}
	msg := conv.Messages[0]
	if msg.Sender != nil {
		t.Errorf("Sender = %v, want nil", msg.Sender)
	}
	if msg.SenderRef != "ABCD-1234" {
		t.Errorf("SenderRef = %q", msg.SenderRef)
	}
}

func TestDecodeConversationListWrappedAttributes(t *testing.T) {
	objects := []interface{}{
		"$null",
		map[string]interface{}{"NS.objects": []interface{}{uid(0), uid(0), uid(2)}},
		map[string]interface{}{"NS.objects": []interface{}{uid(3)}},
		map[string]interface{}{ // message
			"$class":      uid(4),
			"MessageText": uid(5),
		},
		map[string]interface{}{"$classname": "InstantMessage"},
		map[string]interface{}{ // attributed string with list-shaped attributes
			"NSString":     "styled",
			"NSAttributes": uid(6),
		},
		map[string]interface{}{"NS.objects": []interface{}{uid(7)}},
		map[string]interface{}{
			"NS.keys":    []interface{}{"NSFont"},
			"NS.objects": []interface{}{uid(8)},
		},
		map[string]interface{}{"NSName": "Courier", "NSSize": 10.0},
		map[string]interface{}{"Service": "AIM"},
	}
	conv, err := DecodeConversation(marshalArchive(t, objects, uid(1), uid(9)))
	if err != nil {
		t.Fatalf("DecodeConversation() error = %v", err)
	}
	msg := conv.Messages[0]
	if msg.Text == nil || *msg.Text != "styled" {
		t.Errorf("Text = %v", msg.Text)
	}
	if msg.FontName != "Courier" {
		t.Errorf("FontName = %q, want Courier from list-wrapped attributes", msg.FontName)
	}
}

func TestDecodeConversationAttachment(t *testing.T) {
	container := buildRTFD("note.txt", []byte("hello"))

	objects := []interface{}{
		"$null",
		map[string]interface{}{"NS.objects": []interface{}{uid(0), uid(0), uid(2)}},
		map[string]interface{}{"NS.objects": []interface{}{uid(3)}},
		map[string]interface{}{ // message
			"$class":      uid(4),
			"MessageText": uid(5),
		},
		map[string]interface{}{"$classname": "InstantMessage"},
		map[string]interface{}{ // attributed string
			"NSString":     "sent you a file",
			"NSAttributes": uid(6),
		},
		map[string]interface{}{ // attribute dictionary
			"NS.keys":    []interface{}{"NSAttachment"},
			"NS.objects": []interface{}{uid(7)},
		},
		map[string]interface{}{ // NSTextAttachment
			"NSFileWrapper": uid(8),
		},
		map[string]interface{}{ // NSFileWrapper
			"NSFileWrapperData": uid(9),
		},
		map[string]interface{}{"NS.data": container},
		map[string]interface{}{"Service": "AIM"},
	}
	conv, err := DecodeConversation(marshalArchive(t, objects, uid(1), uid(10)))
	if err != nil {
		t.Fatalf("DecodeConversation() error = %v", err)
	}

	if !conv.HasAttachments {
		t.Error("HasAttachments = false")
	}
	att := conv.Messages[0].Attachment
	if att == nil {
		t.Fatal("Attachment = nil")
	}
	if att.Name != "note.txt" {
		t.Errorf("Name = %q", att.Name)
	}
	if string(att.Data) != "hello" {
		t.Errorf("Data = %q", att.Data)
	}
	if att.ContentID != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("ContentID = %q", att.ContentID)
	}
}

func TestDecodeConversationEmptyFileWrapper(t *testing.T) {
	objects := []interface{}{
		"$null",
		map[string]interface{}{"NS.objects": []interface{}{uid(0), uid(0), uid(2)}},
		map[string]interface{}{"NS.objects": []interface{}{uid(3)}},
		map[string]interface{}{
			"$class":      uid(4),
			"MessageText": uid(5),
		},
		map[string]interface{}{"$classname": "InstantMessage"},
		map[string]interface{}{
			"NSString":     "tried to send a file",
			"NSAttributes": uid(6),
		},
		map[string]interface{}{
			"NS.keys":    []interface{}{"NSAttachment"},
			"NS.objects": []interface{}{uid(7)},
		},
		map[string]interface{}{
			"NSFileWrapper": uid(0), // archived as $null
		},
		map[string]interface{}{"Service": "AIM"},
	}
	conv, err := DecodeConversation(marshalArchive(t, objects, uid(1), uid(8)))
	if err != nil {
		t.Fatalf("DecodeConversation() error = %v", err)
	}

	if !conv.HasAttachments {
		t.Error("HasAttachments = false")
	}
	att := conv.Messages[0].Attachment
	if att == nil {
		t.Fatal("Attachment = nil, want placeholder")
	}
	if att.Name != "Empty Attachment" {
		t.Errorf("Name = %q", att.Name)
	}
	if att.ContentID != "" {
		t.Errorf("ContentID = %q, want empty for empty data", att.ContentID)
	}
}

func TestDecodeConversationBadArchive(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not a plist", []byte("definitely not a plist")},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeConversation(tt.data); !errors.Is(err, ErrBadArchive) {
				t.Errorf("DecodeConversation() error = %v, want ErrBadArchive", err)
			}
		})
	}
}

func TestDecodeConversationMissingTop(t *testing.T) {
	data, err := plistlib.Marshal(map[string]interface{}{
		"$archiver": "NSKeyedArchiver",
		"$objects":  []interface{}{"$null"},
	}, plistlib.BinaryFormat)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeConversation(data); !errors.Is(err, ErrBadArchive) {
		t.Errorf("DecodeConversation() error = %v, want ErrBadArchive", err)
	}
}

// buildRTFD assembles a minimal attachment container with one name
// part and one data part.
func buildRTFD(name string, payload []byte) []byte {
	var buf bytes.Buffer
	writeInt32 := func(v int32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	}
	block := func(file []byte) []byte {
		var inner bytes.Buffer
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], 1)
		inner.Write(b[:])
		binary.LittleEndian.PutUint32(b[:], uint32(len(file)))
		inner.Write(b[:])
		inner.Write(file)
		return inner.Bytes()
	}

	parts := []struct {
		name    string
		content []byte
	}{
		{"__@UTF8PreferredName@__", block([]byte(name))},
		{"..", block(payload)},
	}

	buf.WriteString("rtfd")
	writeInt32(0)
	writeInt32(3)
	writeInt32(int32(len(parts)))
	for _, p := range parts {
		writeInt32(int32(len(p.name)))
		buf.WriteString(p.name)
	}
	for _, p := range parts {
		writeInt32(int32(len(p.content)))
	}
	for _, p := range parts {
		buf.Write(p.content)
	}
	return buf.Bytes()
}
