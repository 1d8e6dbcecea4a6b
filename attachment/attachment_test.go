package attachment

import (
	"strings"
	"testing"
)

func TestContentID(t *testing.T) {
	if got := ContentID([]byte("hello")); got != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("ContentID() = %q", got)
	}
}

func TestSniffType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"file wrapper container", []byte("rtfd\x00\x00\x00\x00"), TypeNSFileWrapper},
		{"png", []byte("\x89PNG\r\n\x1a\n"), "image/png"},
		{"plain text", []byte("just some words"), "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SniffType(tt.data)
			if got != tt.want {
				t.Errorf("SniffType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSniffTypeStripsParameters(t *testing.T) {
	// The detector reports charset parameters for text; only the bare
	// media type belongs in the model.
	got := SniffType([]byte("hello world"))
	if strings.Contains(got, ";") {
		t.Errorf("SniffType() = %q, want no parameters", got)
	}
}
