package manifest

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the manifest when the file changes on disk and reports
// worker-set deltas. Feature changes after start are ignored; the run plan
// is fixed at dispatch time.
type Watcher struct {
	path    string
	current *Manifest
	fw      *fsnotify.Watcher
	deltas  chan WorkerDelta
	errs    chan error
}

// NewWatcher starts watching the manifest at path. The caller supplies the
// manifest as loaded at run start so the first delta is relative to it.
func NewWatcher(path string, current *Manifest) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so editor rename-and-replace saves are caught.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{
		path:    path,
		current: current,
		fw:      fw,
		deltas:  make(chan WorkerDelta, 8),
		errs:    make(chan error, 8),
	}, nil
}

// Deltas delivers worker-set changes as the file is edited.
func (w *Watcher) Deltas() <-chan WorkerDelta { return w.deltas }

// Errors delivers reload failures. A bad edit is reported and skipped; the
// previous manifest stays in effect.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) reload() {
	m, err := Load(w.path)
	if err != nil {
		w.report(err)
		return
	}
	delta := DiffWorkers(w.current, m)
	w.current = m
	if delta.Empty() {
		return
	}
	select {
	case w.deltas <- delta:
	default:
	}
}

func (w *Watcher) report(err error) {
	select {
	case w.errs <- err:
	default:
	}
}
