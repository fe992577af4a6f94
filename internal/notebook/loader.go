// Package notebook implements the notebook loader (C11): a filesystem
// watch over the automation source tree (automations/*.md and
// cues/*.md; memory.md is not watched), markdown parsing,
// leading-directive extraction, and content hashing.
package notebook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yuin/goldmark"

	"github.com/nugget/thane-ai-agent/internal/automation"
)

// DefaultDebounce coalesces the burst of fsnotify events a single save
// produces (editors that write via temp-file-then-rename fire
// Create+Write+Rename for one logical edit).
const DefaultDebounce = 300 * time.Millisecond

// directivePattern matches a leading "<!-- model: driver/name -->"
// HTML-comment directive naming a model+driver override.
var directivePattern = regexp.MustCompile(`(?s)^\s*<!--\s*model:\s*([^\s-]+(?:-[^\s-]+)*)\s*-->`)

// Event is one refreshed snapshot of the notebook, delivered after a
// debounced batch of filesystem changes.
type Event struct {
	Automations []automation.Automation
}

// Loader walks and watches a notebook directory tree.
type Loader struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
}

// New creates a Loader rooted at dir (expected to contain
// automations/, cues/, and memory.md).
func New(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, debounce: DefaultDebounce, logger: logger}
}

// WithDebounce overrides DefaultDebounce, mainly for tests.
func (l *Loader) WithDebounce(d time.Duration) *Loader {
	l.debounce = d
	return l
}

// ReadMemory returns the contents of the shared scratchpad file, or
// "" if it does not yet exist.
func (l *Loader) ReadMemory() (string, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, "memory.md"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// MemoryPath returns the path to the shared scratchpad file.
func (l *Loader) MemoryPath() string {
	return filepath.Join(l.dir, "memory.md")
}

// Scan walks automations/*.md and cues/*.md and returns one
// Automation per file, content-hashed and directive-parsed.
func (l *Loader) Scan() ([]automation.Automation, error) {
	var out []automation.Automation

	for _, sub := range []struct {
		dir string
		cue bool
	}{
		{"automations", false},
		{"cues", true},
	} {
		entries, err := scanDir(filepath.Join(l.dir, sub.dir), sub.cue)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out, nil
}

func scanDir(dir string, cue bool) ([]automation.Automation, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var out []automation.Automation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		a, err := parse(e.Name(), string(data), cue)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// parse validates contents as markdown, extracts a leading model
// directive if present, and computes the content hash.
func parse(fileName, contents string, cue bool) (automation.Automation, error) {
	// Validate markdown structure; the AST itself is unused beyond
	// confirming goldmark can parse the document without error.
	var discard bytes.Buffer
	if err := goldmark.Convert([]byte(contents), &discard); err != nil {
		return automation.Automation{}, fmt.Errorf("invalid markdown: %w", err)
	}

	model := ""
	if m := directivePattern.FindStringSubmatch(contents); m != nil {
		model = m[1]
	}

	return automation.Automation{
		Hash:     automation.ContentHash(contents),
		FileName: fileName,
		Contents: contents,
		Cue:      cue,
		Model:    model,
	}, nil
}

// Watch starts an fsnotify watch over automations/ and cues/ and
// returns a channel of debounced Events. The channel is closed when
// ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	for _, sub := range []string{"automations", "cues"} {
		dir := filepath.Join(l.dir, sub)
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("ensure %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	out := make(chan Event, 1)

	go func() {
		defer close(out)
		defer watcher.Close()

		var timer *time.Timer
		var timerC <-chan time.Time

		emit := func() {
			automations, err := l.Scan()
			if err != nil {
				l.logger.Warn("notebook rescan failed", "error", err)
				return
			}
			select {
			case out <- Event{Automations: automations}:
			case <-ctx.Done():
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".md") {
					continue
				}
				l.logger.Debug("notebook fs event", "path", ev.Name, "op", ev.Op.String())
				if timer == nil {
					timer = time.NewTimer(l.debounce)
					timerC = timer.C
				} else {
					timer.Reset(l.debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("notebook watcher error", "error", err)
			case <-timerC:
				emit()
			}
		}
	}()

	return out, nil
}
