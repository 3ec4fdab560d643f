// Package inbox builds request files dropped into a directory.
//
// A request is a JSON file {description, anchor, target, rotation}. Once it is
// built the result is written next to it as <name>.result.json and the
// request moves to done/. Writers should create the file under another name
// and rename it into place; a partially written file is retried on the next
// write event.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"craftarchitect.ai/internal/blueprint"
	"craftarchitect.ai/internal/orchestrator"
	"craftarchitect.ai/internal/protocol"
)

const (
	DoneDir      = "done"
	ResultSuffix = ".result.json"
)

type Builder interface {
	Build(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

type Watcher struct {
	dir     string
	builder Builder
	logger  *log.Logger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewWatcher(dir string, b Builder, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Watcher{dir: dir, builder: b, logger: logger, inflight: map[string]bool{}}
}

// IsRequest reports whether name is a request file the watcher picks up.
func IsRequest(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") &&
		!strings.HasSuffix(base, ResultSuffix) &&
		!strings.HasPrefix(base, ".")
}

// Run watches the directory until ctx is done, then waits for builds in
// flight to return. Files already present are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, DoneDir), 0o755); err != nil {
		return fmt.Errorf("ensure inbox dir %s: %w", w.dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	defer w.wg.Wait()

	if err := w.scan(ctx); err != nil {
		w.logger.Printf("inbox scan dir=%s: %v", w.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) && IsRequest(ev.Name) {
				w.dispatch(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("fsnotify error=%v", err)
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsRequest(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		w.dispatch(ctx, filepath.Join(w.dir, n))
	}
	return nil
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	w.mu.Lock()
	if w.inflight[path] {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, path)
			w.mu.Unlock()
		}()
		if err := w.Process(ctx, path); err != nil {
			w.logger.Printf("inbox file=%s: %v", filepath.Base(path), err)
		}
	}()
}

// Process builds one request file. A file that is not yet complete JSON is
// left in place.
func (w *Watcher) Process(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !json.Valid(b) {
		return fmt.Errorf("incomplete or invalid json, waiting for next write")
	}

	var res *orchestrator.Result
	var req protocol.BuildRequest
	if err := json.Unmarshal(b, &req); err != nil {
		res = &orchestrator.Result{Status: orchestrator.StatusNothingBuilt, Error: fmt.Sprintf("%s: %v", protocol.ErrMalformed, err)}
	} else {
		res, err = w.builder.Build(ctx, orchestrator.Request{
			Description: req.Description,
			Anchor:      blueprint.FromArray(req.Anchor),
			Target:      req.Target,
			Rotation:    req.Rotation,
		})
		if res == nil {
			res = &orchestrator.Result{Status: orchestrator.StatusNothingBuilt}
			if err != nil {
				res.Error = err.Error()
			}
		}
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	if err := writeFileAtomic(filepath.Join(w.dir, name+ResultSuffix), out); err != nil {
		return err
	}
	if err := os.Rename(path, filepath.Join(w.dir, DoneDir, filepath.Base(path))); err != nil {
		return err
	}
	w.logger.Printf("inbox file=%s run=%s status=%s", filepath.Base(path), res.RunID, res.Status)
	return nil
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
