package fleet

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fleetctl/fleetctl/internal/log"
)

// backlogDocument is the on-disk shape of the backlog YAML file: a flat
// list of tasks under a top-level "backlog" key.
type backlogDocument struct {
	Tasks []Task `yaml:"backlog"`
}

// LoadBacklog reads and validates the backlog YAML file at path.
func LoadBacklog(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backlog %s: %w", path, err)
	}

	var doc backlogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing backlog %s: %w", path, err)
	}

	if len(doc.Tasks) == 0 {
		return nil, ErrBacklogEmpty
	}

	if err := ValidateBacklog(doc.Tasks); err != nil {
		return nil, err
	}

	return doc.Tasks, nil
}

// ValidateBacklog checks every task for required fields, a recognised
// type, and a unique id. Unknown dependency references are logged as a
// warning, not rejected — a task may point at work tracked outside this
// backlog.
func ValidateBacklog(tasks []Task) error {
	seen := make(map[string]bool, len(tasks))
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = true
	}

	for i, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d: id is required", i)
		}
		if t.Title == "" {
			return fmt.Errorf("task %d (%s): title is required", i, t.ID)
		}
		if t.Type == "" {
			return fmt.Errorf("task %d (%s): type is required", i, t.ID)
		}
		if !slices.Contains(ValidTaskTypes, t.Type) {
			return fmt.Errorf("task %d (%s): invalid type %q", i, t.ID, t.Type)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTaskID, t.ID)
		}
		seen[t.ID] = true

		for _, dep := range t.Dependencies {
			if !ids[dep] {
				log.Warn(log.CatGraph, "backlog task references unknown dependency",
					"task", t.ID, "dependency", dep)
			}
		}
	}
	return nil
}

// backlogDebounce absorbs the burst of write events most editors and
// `git checkout` emit for a single logical save.
const backlogDebounce = 200 * time.Millisecond

// BacklogWatcher watches a backlog YAML file for changes and signals a
// reload, enabled by BacklogConfig.WatchFile. Grounded on the teacher's
// debounced fsnotify loop, retargeted from the beads database file to
// the backlog YAML file.
type BacklogWatcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	changed   chan struct{}
	done      chan struct{}
}

// NewBacklogWatcher creates a watcher for the backlog file at path.
func NewBacklogWatcher(path string) (*BacklogWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &BacklogWatcher{
		fsWatcher: fsw,
		path:      path,
		changed:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the backlog file's directory (editors commonly
// replace the file rather than write in place, which only a directory
// watch reliably observes) and returns a channel that receives a
// signal, debounced, each time the backlog file changes.
func (w *BacklogWatcher) Start() (<-chan struct{}, error) {
	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}
	log.Info(log.CatWatcher, "watching backlog file for changes", "path", w.path)
	go w.loop()
	return w.changed, nil
}

// Stop terminates the watcher and releases resources.
func (w *BacklogWatcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *BacklogWatcher) loop() {
	var timer *time.Timer
	pending := false
	base := filepath.Base(w.path)

	for {
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}

		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug(log.CatWatcher, "backlog file event", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(backlogDebounce)
			} else {
				timer.Reset(backlogDebounce)
			}
			pending = true

		case <-timerC:
			if pending {
				select {
				case w.changed <- struct{}{}:
				default:
				}
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatWatcher, "backlog watcher error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
