package deployment

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
)

// DefaultDebounce coalesces bursts of file events before a deployment
// fires.
const DefaultDebounce = 2 * time.Second

// Watcher monitors the source paths of enabled profiles and triggers a
// deployment after a debounce window of quiet.
type Watcher struct {
	engine    *Engine
	fsWatcher *fsnotify.Watcher
	log       *logger.Logger

	mu       sync.Mutex
	profiles map[string]*models.DeploymentProfile // profileID → watched profile
	byPath   map[string]string                    // watched root → profileID
	timers   map[string]*time.Timer               // profileID → debounce timer
	done     chan struct{}
}

// NewWatcher creates a profile watcher.
func NewWatcher(engine *Engine, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		engine:    engine,
		fsWatcher: fsw,
		log:       log,
		profiles:  make(map[string]*models.DeploymentProfile),
		byPath:    make(map[string]string),
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}, nil
}

// Start loads the enabled profiles and begins watching. Runs until Stop.
func (w *Watcher) Start(ctx context.Context) error {
	profiles, err := w.engine.Profiles().ListProfiles(ctx)
	if err != nil {
		return err
	}
	for _, profile := range profiles {
		if profile.Enabled {
			if err := w.Watch(profile); err != nil {
				w.log.Warn("profile watch failed", "profile_id", profile.ID, "error", err)
			}
		}
	}

	go w.loop()
	return nil
}

// Watch adds one profile's source tree to the watch set. Subdirectories
// are registered recursively; fsnotify does not descend on its own.
func (w *Watcher) Watch(profile *models.DeploymentProfile) error {
	roots := make([]string, 0)
	err := filepath.WalkDir(profile.SourcePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			roots = append(roots, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", profile.SourcePath, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, root := range roots {
		if err := w.fsWatcher.Add(root); err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
		w.byPath[root] = profile.ID
	}
	w.profiles[profile.ID] = profile
	w.log.Info("watching deployment source", "profile_id", profile.ID, "path", profile.SourcePath, "dirs", len(roots))
	return nil
}

// Unwatch removes a profile from the watch set.
func (w *Watcher) Unwatch(profileID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for root, id := range w.byPath {
		if id == profileID {
			_ = w.fsWatcher.Remove(root)
			delete(w.byPath, root)
		}
	}
	if t, ok := w.timers[profileID]; ok {
		t.Stop()
		delete(w.timers, profileID)
	}
	delete(w.profiles, profileID)
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.noteChange(event.Name)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", "error", err)

		case <-w.done:
			w.mu.Lock()
			for _, t := range w.timers {
				t.Stop()
			}
			w.mu.Unlock()
			return
		}
	}
}

// noteChange resolves the changed path to its profile and resets the
// profile's debounce timer.
func (w *Watcher) noteChange(changed string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	profileID := ""
	for root, id := range w.byPath {
		if changed == root || filepath.Dir(changed) == root {
			profileID = id
			break
		}
	}
	if profileID == "" {
		return
	}
	profile := w.profiles[profileID]
	if profile == nil {
		return
	}

	debounce := profile.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	if t, ok := w.timers[profileID]; ok {
		t.Reset(debounce)
		return
	}
	w.timers[profileID] = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		delete(w.timers, profileID)
		w.mu.Unlock()

		w.log.Info("source changed, deploying", "profile_id", profileID)
		if _, err := w.engine.Deploy(context.Background(), profileID); err != nil {
			w.log.Warn("auto deployment failed", "profile_id", profileID, "error", err)
		}
	})
}
