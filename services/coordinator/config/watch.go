// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/pool"
)

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 200 * time.Millisecond

// ChangeFunc is called after a successful reload.
type ChangeFunc func(old, updated *Config)

// Watcher reloads the configuration file when it changes.
//
// Only the logging level and the consistency repair threshold are applied
// at runtime; changes to any other section are logged as needing a
// restart. A file that fails to parse or validate is ignored and the
// previous configuration stays in effect.
//
// Thread Safety: Current and OnChange are safe for concurrent use.
type Watcher struct {
	path     string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	current  atomic.Pointer[Config]
	debounce time.Duration

	mu       sync.Mutex
	handlers []ChangeFunc
}

// NewWatcher watches path, starting from initial.
func NewWatcher(path string, initial *Config, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	w := &Watcher{
		path:     abs,
		logger:   logger.With(slog.String("component", "config")),
		watcher:  fw,
		debounce: reloadDebounce,
	}
	w.current.Store(initial)
	return w, nil
}

// Current returns the configuration in effect.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers fn for every successful reload.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Start watches until ctx is done or Stop is called. It blocks.
//
// The parent directory is watched rather than the file so that editors
// which save by rename keep being observed.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Debug("watching config", slog.String("path", w.path))

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.Warn("config reload rejected", slog.String("error", err.Error()))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return nil
		}
	}
}

// Reload reads the file now and notifies handlers.
func (w *Watcher) Reload() error {
	updated, err := Load(w.path)
	if err != nil {
		return err
	}
	old := w.current.Swap(updated)

	if sections := RestartRequired(old, updated); len(sections) > 0 {
		w.logger.Warn("config sections changed that need a restart",
			slog.Any("sections", sections))
	}
	w.logger.Info("config reloaded", slog.String("path", w.path))

	w.mu.Lock()
	handlers := append([]ChangeFunc(nil), w.handlers...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(old, updated)
	}
	return nil
}

// Stop releases the underlying watcher and ends Start.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// RestartRequired lists the yaml section names that differ between old
// and updated, ignoring the fields that can be applied at runtime.
func RestartRequired(old, updated *Config) []string {
	if old == nil || updated == nil {
		return nil
	}
	a, b := withoutTunables(*old), withoutTunables(*updated)
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	t := va.Type()
	var sections []string
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			sections = append(sections, yamlName(t.Field(i)))
		}
	}
	return sections
}

// withoutTunables clears the runtime tunables and the injected loggers.
func withoutTunables(c Config) Config {
	c.Logging.Level = ""
	c.Consistency.RepairThreshold = 0
	if c.Vector.Weaviate != nil {
		w := *c.Vector.Weaviate
		c.Vector.Weaviate = &w
	}
	if c.Migration.Target.Weaviate != nil {
		w := *c.Migration.Target.Weaviate
		c.Migration.Target.Weaviate = &w
	}
	c.Pool.Credentials = pool.Credentials{}
	c.WithLogger(nil)
	return c
}

func yamlName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			tag = tag[:i]
			break
		}
	}
	if tag == "" {
		return f.Name
	}
	return tag
}
