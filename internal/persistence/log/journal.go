package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"craftarchitect.ai/internal/dispatch"
	"craftarchitect.ai/internal/orchestrator"
)

const JournalPrefix = "journal"

const (
	KindRunStarted  = "run_started"
	KindRecord      = "record"
	KindRunFinished = "run_finished"
)

// Entry is one journal line.
type Entry struct {
	Time   time.Time            `json:"ts"`
	Kind   string               `json:"kind"`
	RunID  string               `json:"run_id"`
	Record *dispatch.Record     `json:"record,omitempty"`
	Result *orchestrator.Result `json:"result,omitempty"`
}

// RunJournal records run lifecycle and every record transition. It satisfies
// orchestrator.Observer and is safe for concurrent runs.
type RunJournal struct {
	w   *segments
	log *stdlog.Logger
}

func NewRunJournal(dir string, logger *stdlog.Logger) *RunJournal {
	if logger == nil {
		logger = stdlog.New(io.Discard, "", 0)
	}
	j := &RunJournal{w: newSegments(dir, JournalPrefix), log: logger}
	j.w.onClose = func(path string, entries int) {
		logger.Printf("journal closed file=%s entries=%d", filepath.Base(path), entries)
	}
	return j
}

func (j *RunJournal) write(e Entry) {
	e.Time = time.Now().UTC()
	if err := j.w.Append(e); err != nil {
		j.log.Printf("journal write run=%s kind=%s: %v", e.RunID, e.Kind, err)
	}
}

// summary drops the blueprint; the run store keeps it.
func summary(res *orchestrator.Result) *orchestrator.Result {
	c := *res
	c.Blueprint = nil
	return &c
}

func (j *RunJournal) RunStarted(res *orchestrator.Result) {
	j.write(Entry{Kind: KindRunStarted, RunID: res.RunID, Result: summary(res)})
}

func (j *RunJournal) RecordUpdated(runID string, rec dispatch.Record) {
	j.write(Entry{Kind: KindRecord, RunID: runID, Record: &rec})
}

func (j *RunJournal) RunFinished(res *orchestrator.Result) {
	j.write(Entry{Kind: KindRunFinished, RunID: res.RunID, Result: summary(res)})
}

func (j *RunJournal) Close() error { return j.w.Close() }

// JournalFiles lists journal files in dir in chronological order.
func JournalFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, JournalPrefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadJournal calls fn for every entry in path, in file order.
func ReadJournal(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
