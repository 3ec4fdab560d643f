package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"craftarchitect.ai/internal/orchestrator"
	persistlog "craftarchitect.ai/internal/persistence/log"
)

type runTrace struct {
	id          string
	started     *orchestrator.Result
	finished    *orchestrator.Result
	transitions int
	lastSeen    time.Time
}

func main() {
	var (
		dir     = flag.String("dir", "./data/journal", "journal dir containing journal-*.jsonl.zst")
		runID   = flag.String("run", "", "only this run (optional)")
		records = flag.Bool("records", false, "print every record transition")
	)
	flag.Parse()

	files, err := persistlog.JournalFiles(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files found in", *dir)
		os.Exit(1)
	}

	runs := map[string]*runTrace{}
	var order []string
	for _, path := range files {
		err := persistlog.ReadJournal(path, func(e persistlog.Entry) error {
			if *runID != "" && e.RunID != *runID {
				return nil
			}
			rt := runs[e.RunID]
			if rt == nil {
				rt = &runTrace{id: e.RunID}
				runs[e.RunID] = rt
				order = append(order, e.RunID)
			}
			rt.lastSeen = e.Time
			switch e.Kind {
			case persistlog.KindRunStarted:
				rt.started = e.Result
			case persistlog.KindRunFinished:
				rt.finished = e.Result
			case persistlog.KindRecord:
				rt.transitions++
				if *records && e.Record != nil {
					fmt.Printf("%s run=%s seq=%d status=%s attempts=%d %s\n",
						e.Time.Format(time.RFC3339Nano), e.RunID, e.Record.Op.Seq, e.Record.Status, e.Record.Attempts, e.Record.Op.Command)
				}
			}
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read journal:", err)
			os.Exit(1)
		}
	}

	sort.SliceStable(order, func(i, j int) bool { return runs[order[i]].lastSeen.Before(runs[order[j]].lastSeen) })
	var unfinished int
	for _, id := range order {
		rt := runs[id]
		switch {
		case rt.finished != nil:
			r := rt.finished
			fmt.Printf("run=%s status=%s target=%s ops=%d acknowledged=%d failed=%d pending=%d blocks=%s transitions=%d elapsed=%s %q\n",
				id, r.Status, r.Target, r.Operations, r.Acknowledged, r.Failed, r.Pending,
				humanize.Comma(int64(r.BlocksPlaced)), rt.transitions, r.Elapsed.Round(time.Millisecond), r.Description)
			if r.ResumedFrom != "" {
				fmt.Printf("  resumed from %s\n", r.ResumedFrom)
			}
			for _, f := range r.FailedElements {
				fmt.Printf("  failed element: %s\n", f)
			}
		case rt.started != nil:
			unfinished++
			fmt.Printf("run=%s status=unfinished target=%s ops=%d transitions=%d last_seen=%s %q\n",
				id, rt.started.Target, rt.started.Operations, rt.transitions, humanize.Time(rt.lastSeen), rt.started.Description)
		default:
			unfinished++
			fmt.Printf("run=%s status=unknown transitions=%d\n", id, rt.transitions)
		}
	}
	fmt.Printf("journal ok: files=%d runs=%d unfinished=%d\n", len(files), len(order), unfinished)
}
