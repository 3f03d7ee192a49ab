package updatecomm

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
)

// DeclarativePolicy is the parsed form of the hybrid backend's
// source-of-truth policy.yaml file.
type DeclarativePolicy struct {
	Version  string            `yaml:"version"`
	Policies map[string]string `yaml:"policies"`
}

// PolicyWatcher watches a single declarative policy file and raises an
// ApplyPolicy event on debounce-settled writes. It is the grounded
// adapter for the spec's "a dedicated utility watches that file and
// raises an in-process ApplyPolicy event".
type PolicyWatcher struct {
	path     string
	debounce time.Duration
	log      *logging.Logger
	watcher  *fsnotify.Watcher
}

// NewPolicyWatcher creates a watcher for the policy file at path.
func NewPolicyWatcher(path string, debounce time.Duration, log *logging.Logger) *PolicyWatcher {
	if debounce == 0 {
		debounce = 300 * time.Millisecond
	}
	return &PolicyWatcher{path: path, debounce: debounce, log: log}
}

// Watch starts watching and sends a parsed DeclarativePolicy on out every
// time the file settles after a write. Watch blocks until stop is closed
// or the watcher errors irrecoverably; call it in its own goroutine.
func (w *PolicyWatcher) Watch(stop <-chan struct{}, out chan<- DeclarativePolicy) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var pending *time.Timer
	fire := func() {
		policy, ok := w.load()
		if !ok {
			return
		}
		select {
		case out <- policy:
		default:
			w.log.Warn("policy watcher output channel full, dropping update")
		}
	}

	for {
		select {
		case <-stop:
			if pending != nil {
				pending.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, fire)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *PolicyWatcher) load() (DeclarativePolicy, bool) {
	if !orchtools.FileExists(w.path) {
		return DeclarativePolicy{}, false
	}
	data, err := orchtools.ReadFile(w.path)
	if err != nil {
		w.log.Warn("policy watcher read failed", "error", err)
		return DeclarativePolicy{}, false
	}
	var policy DeclarativePolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		w.log.Warn("policy watcher parse failed", "error", err)
		return DeclarativePolicy{}, false
	}
	return policy, true
}
