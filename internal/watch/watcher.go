// Package watch monitors directories for newly written cluster index
// volumes and submits mirror jobs for them.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"brainmap/internal/fsutil"
	"brainmap/internal/pipeline"
)

// VolumeEvent represents a volume appearing or changing on disk.
type VolumeEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified"
	Time      time.Time `json:"time"`
}

// Watcher monitors directories for cluster index volumes.
type Watcher struct {
	watcher   *fsnotify.Watcher
	Events    chan VolumeEvent
	watchDirs []string
	marker    string
	suffix    string
	done      chan bool
	log       *slog.Logger
}

// New creates a watcher over watchPaths. Only files whose names carry
// marker and lack suffix produce events, so a mirror output landing in
// a watched directory does not trigger another mirror.
func New(watchPaths []string, marker, suffix string, logger *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:   watcher,
		Events:    make(chan VolumeEvent, 100),
		watchDirs: watchPaths,
		marker:    marker,
		suffix:    suffix,
		done:      make(chan bool),
		log:       logger,
	}

	return w, nil
}

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}

	go w.processEvents()

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	close(w.Events)
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			default:
				continue
			}

			if !w.wantsFile(event.Name) {
				continue
			}

			ve := VolumeEvent{
				Path:      event.Name,
				Operation: operation,
				Time:      time.Now(),
			}

			select {
			case w.Events <- ve:
			default:
				w.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) wantsFile(path string) bool {
	if !fsutil.IsVolumeFile(path) {
		return false
	}
	name := filepath.Base(path)
	return strings.Contains(name, w.marker) && !strings.Contains(name, w.suffix)
}

// Debounce is how long a volume must stay quiet before a mirror job is
// submitted for its directory. Large volumes are written in several
// chunks and each chunk fires a Write event.
const Debounce = 2 * time.Second

// Submitter feeds watcher events into the pipeline as mirror jobs,
// debounced per directory.
type Submitter struct {
	Pipe *pipeline.Pipeline
	Log  *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	nextID  int
}

// Run consumes events until the channel closes.
func (s *Submitter) Run(events <-chan VolumeEvent) {
	for ev := range events {
		s.schedule(filepath.Dir(ev.Path))
	}
}

func (s *Submitter) schedule(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]*time.Timer)
	}
	if t, ok := s.pending[dir]; ok {
		t.Reset(Debounce)
		return
	}
	s.pending[dir] = time.AfterFunc(Debounce, func() {
		s.mu.Lock()
		delete(s.pending, dir)
		s.nextID++
		id := fmt.Sprintf("watch-mirror-%d", s.nextID)
		s.mu.Unlock()

		job := pipeline.Job{ID: id, Type: pipeline.JobMirror, InputPath: dir}
		if err := s.Pipe.Submit(job); err != nil {
			s.Log.Error("failed to submit mirror job", "dir", dir, "error", err)
		}
	})
}
