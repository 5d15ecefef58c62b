/*
   Copyright 2020 Docker Compose CLI authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package blueprint implements the Blueprint Library (C12): named
// collections of required services, public-service maps, and lifecycle
// hook scripts, loaded from a directory and kept fresh via fsnotify.
package blueprint

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/factorial-io/scotty/pkg/api"
)

// document is the on-disk shape of one blueprint YAML file.
type document struct {
	ID               string                                    `yaml:"id"`
	Name             string                                    `yaml:"name"`
	Description      string                                    `yaml:"description"`
	RequiredServices []string                                  `yaml:"required_services"`
	PublicServices   map[string]int                            `yaml:"public_services"`
	Hooks            map[api.LifecycleHook]map[string][]string `yaml:"hooks"`
}

// Library holds every blueprint loaded from a directory, reloaded whenever
// a file under that directory changes.
type Library struct {
	dir string

	mu         sync.RWMutex
	blueprints map[string]*api.Blueprint

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// Load reads every *.yml/*.yaml file in dir and starts watching it for
// changes. A malformed individual file is logged and skipped rather than
// failing the whole load.
func Load(dir string) (*Library, error) {
	l := &Library{dir: dir, blueprints: map[string]*api.Blueprint{}, stop: make(chan struct{})}
	if err := l.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(api.ErrInternal, err.Error())
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errors.Wrap(api.ErrInternal, err.Error())
	}
	l.watcher = watcher
	go l.watch()

	return l, nil
}

func (l *Library) reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(api.ErrInternal, err.Error())
	}

	loaded := map[string]*api.Blueprint{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logrus.WithError(err).WithField("file", path).Warn("blueprint: failed to read file")
			continue
		}
		var doc document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			logrus.WithError(err).WithField("file", path).Warn("blueprint: failed to parse file")
			continue
		}
		if doc.ID == "" {
			logrus.WithField("file", path).Warn("blueprint: missing id, skipping")
			continue
		}
		loaded[doc.ID] = &api.Blueprint{
			ID:               doc.ID,
			Name:             doc.Name,
			Description:      doc.Description,
			RequiredServices: doc.RequiredServices,
			PublicServices:   doc.PublicServices,
			Hooks:            doc.Hooks,
		}
	}

	l.mu.Lock()
	l.blueprints = loaded
	l.mu.Unlock()
	return nil
}

func (l *Library) watch() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := l.reload(); err != nil {
					logrus.WithError(err).Warn("blueprint: reload failed")
				}
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("blueprint: watcher error")
		case <-l.stop:
			return
		}
	}
}

// Get resolves a blueprint by id.
func (l *Library) Get(id string) (*api.Blueprint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bp, ok := l.blueprints[id]
	return bp, ok
}

// List returns every loaded blueprint.
func (l *Library) List() []*api.Blueprint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*api.Blueprint, 0, len(l.blueprints))
	for _, bp := range l.blueprints {
		out = append(out, bp)
	}
	return out
}

// Close stops the filesystem watcher.
func (l *Library) Close() error {
	close(l.stop)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
