package worker

import "testing"

func TestParseChangeSet(t *testing.T) {
	cs, err := ParseChangeSet(`{"summary": "add greeting", "changes": [{"path": "hello.go", "content": "package main"}]}`)
	if err != nil {
		t.Fatalf("ParseChangeSet failed: %v", err)
	}
	if cs.Summary != "add greeting" {
		t.Errorf("summary = %q", cs.Summary)
	}
	if len(cs.Changes) != 1 || cs.Changes[0].Path != "hello.go" {
		t.Errorf("unexpected changes: %+v", cs.Changes)
	}
}

func TestParseChangeSetFenced(t *testing.T) {
	text := "```json\n{\"changes\": [{\"path\": \"a.go\", \"content\": \"x\"}]}\n```"
	cs, err := ParseChangeSet(text)
	if err != nil {
		t.Fatalf("ParseChangeSet failed on fenced input: %v", err)
	}
	if len(cs.Changes) != 1 {
		t.Errorf("unexpected changes: %+v", cs.Changes)
	}
}

func TestParseChangeSetDelete(t *testing.T) {
	cs, err := ParseChangeSet(`{"changes": [{"path": "old.go", "delete": true}]}`)
	if err != nil {
		t.Fatalf("ParseChangeSet failed: %v", err)
	}
	if !cs.Changes[0].Delete {
		t.Error("delete flag lost")
	}
}

func TestParseChangeSetMalformed(t *testing.T) {
	cases := []string{
		"",
		"not json at all",
		`{"changes": []}`,
		`{"changes": [{"content": "missing path"}]}`,
	}
	for _, text := range cases {
		if _, err := ParseChangeSet(text); err == nil {
			t.Errorf("expected error for %q", text)
		}
	}
}
