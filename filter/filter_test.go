package filter

import (
	"testing"

	"github.com/kadin2048/ichat-to-eml/model"
)

func conversation(participants []string, texts ...string) *model.Conversation {
	conv := &model.Conversation{Participants: participants}
	for _, text := range texts {
		text := text
		conv.Messages = append(conv.Messages, model.Message{Text: &text})
	}
	return conv
}

func TestFilterModesMutuallyExclusive(t *testing.T) {
	_, err := New(Options{
		IncludeParticipant: []string{"alice"},
		ExcludeText:        []string{"spam"},
	})
	if err == nil {
		t.Fatal("New() expected error for mixed include and exclude")
	}
}

func TestFilterInvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeText: []string{"("}}); err == nil {
		t.Fatal("New() expected error for invalid regex")
	}
}

func TestFilterAllows(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		conv *model.Conversation
		want bool
	}{
		{
			"no filters pass everything",
			Options{},
			conversation([]string{"alice"}, "hi"),
			true,
		},
		{
			"include participant match",
			Options{IncludeParticipant: []string{"^alice$"}},
			conversation([]string{"alice", "bob"}),
			true,
		},
		{
			"include participant miss",
			Options{IncludeParticipant: []string{"^carol$"}},
			conversation([]string{"alice", "bob"}),
			false,
		},
		{
			"include text match",
			Options{IncludeText: []string{"lunch"}},
			conversation([]string{"alice"}, "want to grab lunch?"),
			true,
		},
		{
			"exclude participant match",
			Options{ExcludeParticipant: []string{"bob"}},
			conversation([]string{"alice", "bob"}),
			false,
		},
		{
			"exclude text match",
			Options{ExcludeText: []string{"(?i)password"}},
			conversation([]string{"alice"}, "here is my PASSWORD"),
			false,
		},
		{
			"exclude miss passes",
			Options{ExcludeText: []string{"secret"}},
			conversation([]string{"alice"}, "nothing to see"),
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := f.Allows(tt.conv); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterMatchesDisplayNames(t *testing.T) {
	conv := conversation([]string{"jdoe123"})
	conv.Names = []string{"John Doe"}

	f, err := New(Options{IncludeParticipant: []string{"John Doe"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !f.Allows(conv) {
		t.Error("Allows() = false, want display name to match")
	}
}

func TestFilterNilConversation(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Allows(nil) {
		t.Error("Allows(nil) = true, want false")
	}
}
