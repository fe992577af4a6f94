package notebook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestScan_ParsesAutomationsAndCues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "automations"), "porch.md", "Turn on the porch light at sunset.")
	writeFile(t, filepath.Join(dir, "cues"), "goodnight.md", "<!-- model: anthropic/claude-3-5-sonnet -->\nSay goodnight to the house.")

	l := New(dir, nil)
	automations, err := l.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(automations) != 2 {
		t.Fatalf("len(automations) = %d, want 2", len(automations))
	}

	var cue, regular bool
	for _, a := range automations {
		switch a.FileName {
		case "goodnight.md":
			cue = true
			if a.Model != "anthropic/claude-3-5-sonnet" {
				t.Errorf("goodnight.md Model = %q", a.Model)
			}
			if !a.Cue {
				t.Error("goodnight.md should be a cue")
			}
		case "porch.md":
			regular = true
			if a.Cue {
				t.Error("porch.md should not be a cue")
			}
			if a.Model != "" {
				t.Errorf("porch.md Model = %q, want empty", a.Model)
			}
		}
	}
	if !cue || !regular {
		t.Fatal("expected to find both goodnight.md and porch.md")
	}
}

func TestScan_EmptyNotebook(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, nil)
	automations, err := l.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(automations) != 0 {
		t.Fatalf("len(automations) = %d, want 0", len(automations))
	}
}

func TestWatch_EmitsOnFileAdd(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, nil).WithDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := l.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeFile(t, filepath.Join(dir, "automations"), "new.md", "Turn off everything at midnight.")

	select {
	case ev := <-events:
		if len(ev.Automations) != 1 {
			t.Fatalf("len(ev.Automations) = %d, want 1", len(ev.Automations))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notebook event")
	}
}

func TestReadMemory_MissingFile(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, nil)
	got, err := l.ReadMemory()
	if err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if got != "" {
		t.Errorf("got = %q, want empty", got)
	}
}
