package persona

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeDefinition(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func seededStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	writeDefinition(t, dir, "a_default.json", `{"id":"default","name":"Wintermute","system_prompt":"`+longPrompt+`"}`)
	writeDefinition(t, dir, "b_technical.yaml", "id: technical\nname: Technical\nsystem_prompt: "+longPrompt+"\n")
	writeDefinition(t, dir, "c_creative.toml", "id = \"creative\"\nname = \"Creative\"\nsystem_prompt = \""+longPrompt+"\"\n")
	writeDefinition(t, dir, "d_broken.json", `{"id":"broken"`)
	writeDefinition(t, dir, "e_noprompt.json", `{"id":"noprompt","name":"No Prompt"}`)
	writeDefinition(t, dir, "notes.txt", "ignored")

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestStore_LoadSkipsInvalid(t *testing.T) {
	s := seededStore(t)

	ids := s.IDs()
	want := []string{"default", "technical", "creative"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], ids[i])
		}
	}
	if len(s.Skipped()) != 2 {
		t.Errorf("expected 2 skipped definitions, got %v", s.Skipped())
	}
}

func TestStore_MissingDir(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "absent"), nil)
	if err != nil {
		t.Fatalf("missing dir must not fail: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected no personas, got %d", s.Len())
	}
	if _, ok := s.Active(); ok {
		t.Error("Active must report false on an empty store")
	}
	if _, ok := s.Next(); ok {
		t.Error("Next must be a no-op on an empty store")
	}
	if _, ok := s.Previous(); ok {
		t.Error("Previous must be a no-op on an empty store")
	}
}

func TestStore_ActiveDefaultsToFirst(t *testing.T) {
	s := seededStore(t)
	p, ok := s.Active()
	if !ok || p.ID != "default" {
		t.Errorf("expected first persona active, got %q", p.ID)
	}
}

func TestStore_SetActiveUnknownIsNoop(t *testing.T) {
	s := seededStore(t)
	s.SetActive("technical")

	if s.SetActive("missing") {
		t.Error("SetActive must report false for an unknown id")
	}
	p, _ := s.Active()
	if p.ID != "technical" {
		t.Errorf("selection changed to %q", p.ID)
	}
}

func TestStore_CircularNavigation(t *testing.T) {
	s := seededStore(t)
	n := s.Len()

	for start := 0; start < n; start++ {
		s.SetActive(s.IDs()[start])

		s.Next()
		s.Previous()
		if p, _ := s.Active(); p.ID != s.IDs()[start] {
			t.Errorf("next then previous from %d landed on %s", start, p.ID)
		}

		s.Previous()
		s.Next()
		if p, _ := s.Active(); p.ID != s.IDs()[start] {
			t.Errorf("previous then next from %d landed on %s", start, p.ID)
		}
	}

	s.SetActive("creative")
	if p, _ := s.Next(); p.ID != "default" {
		t.Errorf("expected wrap to first, got %s", p.ID)
	}
	if p, _ := s.Previous(); p.ID != "creative" {
		t.Errorf("expected wrap to last, got %s", p.ID)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "x.json", `{"id":"x","name":"X","system_prompt":"`+longPrompt+`","traits":["a"]}`)
	s, _ := Open(dir, nil)

	p, err := s.Get("x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	p.Traits[0] = "mutated"
	again, _ := s.Get("x")
	if again.Traits[0] != "a" {
		t.Error("Get must return a copy")
	}

	if _, err := s.Get("y"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Create(t *testing.T) {
	s := seededStore(t)
	p := Persona{ID: "poet", Name: "Poet", SystemPrompt: longPrompt, Temperature: 1.1}

	if err := s.Create(p); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "poet.json")); err != nil {
		t.Errorf("expected poet.json on disk: %v", err)
	}
	got, err := s.Get("poet")
	if err != nil || got.Temperature != 1.1 {
		t.Errorf("created persona not loaded: %+v %v", got, err)
	}

	if err := s.Create(p); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if err := s.Create(Persona{ID: "bad", Name: "Bad", SystemPrompt: longPrompt, Temperature: 3}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if err := s.Create(Persona{ID: "../escape", Name: "E", SystemPrompt: longPrompt}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for unsafe id, got %v", err)
	}
}

func TestStore_CreateDoesNotClobberForeignFile(t *testing.T) {
	dir := t.TempDir()
	foreign := `{"id":"baz","name":"Baz","system_prompt":"` + longPrompt + `"}`
	writeDefinition(t, dir, "bar.json", foreign)
	writeDefinition(t, dir, "draft.json", `{"id":"draft"`)

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for _, id := range []string{"bar", "draft"} {
		err := s.Create(Persona{ID: id, Name: "New", SystemPrompt: longPrompt, Temperature: 0.7})
		if !errors.Is(err, ErrExists) {
			t.Errorf("%s: expected ErrExists, got %v", id, err)
		}
	}

	if ids := s.IDs(); len(ids) != 1 || ids[0] != "baz" {
		t.Errorf("expected only baz to stay loaded, got %v", ids)
	}
	data, err := os.ReadFile(filepath.Join(dir, "bar.json"))
	if err != nil || string(data) != foreign {
		t.Errorf("bar.json was modified: %q %v", data, err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "draft.json"))
	if string(data) != `{"id":"draft"` {
		t.Errorf("skipped draft was modified: %q", data)
	}
}

func TestStore_Update(t *testing.T) {
	s := seededStore(t)
	s.SetActive("technical")

	p, _ := s.Get("technical")
	p.Name = "Engineer"
	if err := s.Update(p); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := s.Get("technical")
	if got.Name != "Engineer" {
		t.Errorf("expected updated name, got %q", got.Name)
	}
	// Written back in its original format.
	reloaded, err := LoadFile(filepath.Join(s.Dir(), "b_technical.yaml"))
	if err != nil || reloaded.Name != "Engineer" {
		t.Errorf("definition file not rewritten: %+v %v", reloaded, err)
	}
	if active, _ := s.Active(); active.ID != "technical" {
		t.Errorf("reload lost the selection, active is %q", active.ID)
	}

	if err := s.Update(Persona{ID: "ghost", Name: "Ghost", SystemPrompt: longPrompt}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DuplicateIDKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "a.json", `{"id":"same","name":"First","system_prompt":"`+longPrompt+`"}`)
	writeDefinition(t, dir, "b.json", `{"id":"same","name":"Second","system_prompt":"`+longPrompt+`"}`)

	s, _ := Open(dir, nil)
	p, _ := s.Get("same")
	if s.Len() != 1 || p.Name != "First" {
		t.Errorf("expected only the first definition, got %d personas, name %q", s.Len(), p.Name)
	}
}
