package runstore

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"craftarchitect.ai/internal/dispatch"
	"craftarchitect.ai/internal/orchestrator"
)

const saveTimeout = 30 * time.Second

// Recorder saves finished runs to a Store off the dispatch path. It
// satisfies orchestrator.Observer.
type Recorder struct {
	store  Store
	logger *log.Logger

	ch     chan *orchestrator.Result
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewRecorder(store Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	r := &Recorder{store: store, logger: logger, ch: make(chan *orchestrator.Result, 64)}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
	return r
}

func (r *Recorder) loop() {
	for res := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := r.store.SaveRun(ctx, res); err != nil {
			r.logger.Printf("runstore save run=%s: %v", res.RunID, err)
		}
		cancel()
	}
}

func (r *Recorder) RunStarted(*orchestrator.Result) {}

func (r *Recorder) RecordUpdated(string, dispatch.Record) {}

// RunFinished queues the result; it blocks when the writer is behind so no
// finished run is lost.
func (r *Recorder) RunFinished(res *orchestrator.Result) {
	if r == nil || res == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	c := *res
	r.ch <- &c
}

// Close drains pending saves. It does not close the store.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	r.wg.Wait()
}
