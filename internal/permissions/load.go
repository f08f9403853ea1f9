package permissions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// rulesFile is the on-disk shape of permissions.yaml.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a rule list from a YAML file. A missing file is not
// an error; it yields an empty list.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return file.Rules, nil
}

// WatchUserRules reloads the resolver's user layer whenever the rules
// file changes. The returned stop function releases the watcher.
func WatchUserRules(resolver *Resolver, path string) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which would
	// drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				rules, err := LoadRules(path)
				if err != nil {
					resolver.logger.Warn("permission reload failed", "error", err)
					continue
				}
				resolver.SetUserRules(rules)
				resolver.logger.Debug("user permission rules reloaded", "count", len(rules))
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// DefaultRules returns the built-in bottom layer: read-only utility
// tools are allowed, everything else asks.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "glob", Level: Allow},
		{Pattern: "grep", Level: Allow},
		{Pattern: "read", Level: Allow},
		{Pattern: "ls", Level: Allow},
		{Pattern: "task", Level: Allow},
		{Pattern: "*", Level: Ask},
	}
}
