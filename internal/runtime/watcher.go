package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const promptReloadDelay = 100 * time.Millisecond

// LoadPrompt reads a system prompt file. Surrounding whitespace is dropped and
// an empty file is an error.
func LoadPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading system prompt %q: %w", path, err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("system prompt %q is empty", path)
	}
	return prompt, nil
}

// PromptWatcher reloads a system prompt file when it changes on disk.
type PromptWatcher struct {
	path   string
	apply  func(string)
	logger *slog.Logger
	delay  time.Duration
}

// NewPromptWatcher creates a watcher that passes each successfully loaded
// prompt to apply.
func NewPromptWatcher(path string, apply func(string), logger *slog.Logger) *PromptWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptWatcher{path: filepath.Clean(path), apply: apply, logger: logger, delay: promptReloadDelay}
}

// Run watches until ctx ends. The parent directory is watched so editors that
// replace the file by rename are handled.
func (w *PromptWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompt watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("prompt watcher: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching system prompt", "path", w.path)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.delay)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("prompt watcher error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *PromptWatcher) reload() {
	prompt, err := LoadPrompt(w.path)
	if err != nil {
		w.logger.Warn("system prompt not reloaded", "error", err)
		return
	}
	w.apply(prompt)
	w.logger.Info("system prompt reloaded", "path", w.path, "length", len(prompt))
}
