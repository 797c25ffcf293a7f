package transcript

import (
	"fmt"
	"testing"
	"time"
)

func TestRole_Label(t *testing.T) {
	cases := map[Role]string{
		RoleUser:      "User",
		RoleAssistant: "Assistant",
		RoleSystem:    "System",
		"":            "",
	}
	for role, want := range cases {
		if got := role.Label(); got != want {
			t.Errorf("Label(%q) = %q, want %q", role, got, want)
		}
	}
	if Role("tool").Valid() {
		t.Error("tool should not be a valid role")
	}
}

func TestMessage_Display(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 5, 0, 0, time.Local)

	t.Run("assistant with persona name", func(t *testing.T) {
		m := Message{Role: RoleAssistant, Content: "hi", Timestamp: ts, Metadata: map[string]string{MetaPersonaName: "Wintermute"}}
		if got := m.Display(); got != "[12:05] Wintermute: hi" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("assistant without persona name", func(t *testing.T) {
		m := Message{Role: RoleAssistant, Content: "hi", Timestamp: ts}
		if got := m.Display(); got != "[12:05] Assistant: hi" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("user ignores persona name", func(t *testing.T) {
		m := Message{Role: RoleUser, Content: "yo", Timestamp: ts, Metadata: map[string]string{MetaPersonaName: "X"}}
		if got := m.Display(); got != "[12:05] User: yo" {
			t.Errorf("got %q", got)
		}
	})
}

func TestTranscript_AppendKeepsTimestampsMonotonic(t *testing.T) {
	var tr Transcript
	now := time.Now()

	tr.Append(Message{Role: RoleUser, Content: "a", Timestamp: now})
	tr.Append(Message{Role: RoleAssistant, Content: "b", Timestamp: now.Add(-time.Minute)})

	all := tr.All()
	if all[1].Timestamp.Before(all[0].Timestamp) {
		t.Errorf("timestamps went backwards: %v then %v", all[0].Timestamp, all[1].Timestamp)
	}
	if all[1].Metadata == nil {
		t.Error("expected metadata map to be initialized")
	}
}

func TestTranscript_UpdateLast(t *testing.T) {
	var tr Transcript
	tr.UpdateLast("ignored")
	if tr.Len() != 0 {
		t.Fatal("UpdateLast on empty transcript must not add messages")
	}

	tr.Append(New(RoleAssistant, ""))
	tr.UpdateLast("Hi")
	tr.UpdateLast("Hi there")

	last, ok := tr.Last()
	if !ok || last.Content != "Hi there" {
		t.Errorf("expected last content 'Hi there', got %q", last.Content)
	}
}

func TestTranscript_Window(t *testing.T) {
	var tr Transcript
	for i := 0; i < 12; i++ {
		tr.Append(New(RoleUser, fmt.Sprintf("m%d", i)))
	}

	w := tr.Window(DefaultWindow)
	if len(w) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(w))
	}
	if w[0].Content != "m2" || w[9].Content != "m11" {
		t.Errorf("unexpected window bounds: %q .. %q", w[0].Content, w[9].Content)
	}

	w[0].Content = "mutated"
	if tr.All()[2].Content != "m2" {
		t.Error("Window must return a copy")
	}

	if got := tr.Window(0); got != nil {
		t.Errorf("expected nil window for n=0, got %v", got)
	}
}
