package governor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads operator rules from .rego files on disk and keeps a rule
// engine current as files change.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a rule loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "rule-loader").Logger(),
	}
}

// LoadDir loads every .rego file under dir into the rule engine. The rule
// name is the file name without extension; file rules are always enabled.
func (l *Loader) LoadDir(ctx context.Context, engine *RuleEngine, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read rule directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := l.loadFile(ctx, engine, path); err != nil {
			return err
		}
		loaded++
	}

	l.logger.Info().Int("rules", loaded).Str("dir", dir).Msg("rules loaded")
	return nil
}

func (l *Loader) loadFile(ctx context.Context, engine *RuleEngine, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return engine.Add(ctx, Rule{
		Name:    name,
		Enabled: true,
		Rego:    string(src),
	})
}

// Watch reloads changed .rego files until the context is cancelled. A file
// that fails to compile is logged and skipped; the previous compiled version
// stays in effect.
func (l *Loader) Watch(ctx context.Context, engine *RuleEngine, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	l.watcher = watcher

	go l.processEvents(ctx, engine, dir)

	l.logger.Info().Str("dir", dir).Msg("watching rule directory")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, engine *RuleEngine, dir string) {
	defer l.watcher.Close()

	// Editors produce bursts of events per save; debounce them.
	var pending map[string]fsnotify.Op
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if pending == nil {
				pending = make(map[string]fsnotify.Op)
			}
			pending[event.Name] |= event.Op
			timer.Reset(250 * time.Millisecond)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("rule watcher error")

		case <-timer.C:
			for path, op := range pending {
				name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					engine.Remove(name)
					l.logger.Info().Str("rule", name).Msg("rule removed")
					continue
				}
				if err := l.loadFile(ctx, engine, path); err != nil {
					l.logger.Error().Err(err).Str("rule", name).Msg("rule reload failed")
					continue
				}
				l.logger.Info().Str("rule", name).Msg("rule reloaded")
			}
			pending = nil
		}
	}
}
