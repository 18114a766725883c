// Package recurringconfig supplements spec §4.6 with a host-facing
// convenience: recurrence definitions stored as YAML files in a directory,
// hot-reloaded via fsnotify so an operator can add, edit, or remove a
// recurring task without restarting the process. This is additive to the
// programmatic add/remove/enable/disable surface, not a replacement for it,
// and it watches configuration files only — it does not persist task state
// or history, so it does not reintroduce the cross-restart persistence the
// core spec explicitly excludes (spec §1 Non-goals).
package recurringconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/taskengine/taskengine"
	"github.com/taskengine/taskengine/engine"
	"github.com/taskengine/taskengine/examples/cputask"
	"github.com/taskengine/taskengine/examples/iotask"
	"github.com/taskengine/taskengine/recurring"
	"github.com/taskengine/taskengine/semaphore"
	"github.com/taskengine/taskengine/tasklib"
)

// Definition is the YAML shape of one recurrence definition file.
type Definition struct {
	CronExpression string `yaml:"cron_expression"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	TaskType       string `yaml:"task_type"`
	SemaphoreName  string `yaml:"semaphore_name"`
	N              int    `yaml:"n,omitempty"`
	Steps          int    `yaml:"steps,omitempty"`
	StepMS         int    `yaml:"step_ms,omitempty"`
}

func (d Definition) body() (tasklib.Body, error) {
	switch d.TaskType {
	case "example_cpu_task":
		return &cputask.Task{N: d.N}, nil
	case "example_io_task":
		return &iotask.Task{Steps: d.Steps, StepTime: time.Duration(d.StepMS) * time.Millisecond}, nil
	default:
		return nil, fmt.Errorf("recurringconfig: unknown task_type %q", d.TaskType)
	}
}

// Loader watches dir for *.yaml/*.yml files, each describing one
// recurrence, and keeps the Engine's recurring registrations in sync.
type Loader struct {
	eng     *engine.Engine
	dir     string
	logger  taskengine.Logger
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	registered map[string]string // absolute file path -> recurring_id

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLoader constructs a Loader over dir. Call Start to perform the
// initial load and begin watching.
func NewLoader(eng *engine.Engine, dir string, logger taskengine.Logger) (*Loader, error) {
	if logger == nil {
		logger = taskengine.NewNoopLogger()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("recurringconfig: creating watcher: %w", err)
	}
	return &Loader{
		eng:        eng,
		dir:        dir,
		logger:     logger,
		watcher:    watcher,
		registered: make(map[string]string),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start loads every existing definition file, then watches dir for
// subsequent changes.
func (l *Loader) Start() error {
	if err := l.loadAll(); err != nil {
		return err
	}
	if err := l.watcher.Add(l.dir); err != nil {
		return fmt.Errorf("recurringconfig: watching %s: %w", l.dir, err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.stopCh:
				return
			case event, ok := <-l.watcher.Events:
				if !ok {
					return
				}
				l.handleEvent(event)
			case err, ok := <-l.watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("recurringconfig watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Stop halts the watch loop. Already-registered recurrences are left
// intact; only the file watch is torn down.
func (l *Loader) Stop() {
	close(l.stopCh)
	_ = l.watcher.Close()
	l.wg.Wait()
}

func (l *Loader) loadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("recurringconfig: reading %s: %w", l.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.load(path); err != nil {
			l.logger.Warn("recurringconfig: failed to load definition", "path", path, "error", err)
		}
	}
	return nil
}

func (l *Loader) handleEvent(event fsnotify.Event) {
	if !isYAML(event.Name) {
		return
	}

	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if err := l.load(event.Name); err != nil {
			l.logger.Warn("recurringconfig: failed to (re)load definition", "path", event.Name, "error", err)
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		l.unload(event.Name)
	}
}

func (l *Loader) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return err
	}
	body, err := def.body()
	if err != nil {
		return err
	}
	semaphoreName := def.SemaphoreName
	if semaphoreName == "" {
		semaphoreName = semaphore.NameDefault
	}
	template := recurring.Template{
		TaskType:      def.TaskType,
		SemaphoreName: semaphoreName,
		Body:          body,
	}

	// RecurringInfo has no in-place update; replace the registration
	// wholesale on every (re)load. The engine's rule that removing a
	// recurrence never cancels its active children means any in-flight spawns from the previous
	// registration keep running to completion.
	l.unload(path)

	id, err := l.eng.AddRecurring(def.CronExpression, template, def.MaxConcurrent)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.registered[path] = id
	l.mu.Unlock()
	return nil
}

func (l *Loader) unload(path string) {
	l.mu.Lock()
	id, ok := l.registered[path]
	if ok {
		delete(l.registered, path)
	}
	l.mu.Unlock()

	if ok {
		_ = l.eng.RemoveRecurring(id)
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
