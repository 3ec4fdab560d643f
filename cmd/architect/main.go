package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"craftarchitect.ai/internal/app"
	"craftarchitect.ai/internal/blueprint"
	"craftarchitect.ai/internal/config"
	"craftarchitect.ai/internal/dispatch"
	"craftarchitect.ai/internal/orchestrator"
	"craftarchitect.ai/internal/protocol"
)

// runTracker remembers the id of the run in flight for the progress poller.
type runTracker struct{ id atomic.Value }

func (t *runTracker) RunStarted(res *orchestrator.Result)   { t.id.Store(res.RunID) }
func (t *runTracker) RecordUpdated(string, dispatch.Record) {}
func (t *runTracker) RunFinished(*orchestrator.Result)      {}
func (t *runTracker) current() string                       { s, _ := t.id.Load().(string); return s }

func main() {
	var (
		configPath = flag.String("config", "./configs/architect.yaml", "path to architect.yaml")
		target     = flag.String("target", "", "target name (default: default_target)")
		anchor     = flag.String("anchor", "0,64,0", "build anchor x,y,z")
		rotation   = flag.Int("rotation", 0, "rotation in quarter turns or degrees")
		file       = flag.String("file", "", "build request json {description, anchor, target, rotation}")
		resume     = flag.String("resume", "", "resume a stored run by id")
		runs       = flag.Int("runs", 0, "list the N most recent runs and exit")
		quiet      = flag.Bool("quiet", false, "no progress output")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[architect] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	tracker := &runTracker{}
	a, err := app.Open(cfg, logger, tracker)
	if err != nil {
		logger.Fatalf("open: %v", err)
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if *runs > 0 {
		code := listRuns(ctx, a, *runs)
		a.Close()
		os.Exit(code)
	}

	stop := make(chan struct{})
	if !*quiet {
		go pollProgress(a.Builder, tracker, stop)
	}

	var res *orchestrator.Result
	switch {
	case *resume != "":
		prior, lerr := a.LoadRun(ctx, *resume)
		if lerr != nil {
			logger.Fatalf("load run %s: %v", *resume, lerr)
		}
		res, err = a.Builder.Resume(ctx, prior)
	case *file != "":
		var req orchestrator.Request
		req, err = readRequest(*file)
		if err != nil {
			logger.Fatalf("read request: %v", err)
		}
		res, err = a.Builder.Build(ctx, req)
	default:
		desc := strings.TrimSpace(strings.Join(flag.Args(), " "))
		if desc == "" {
			fmt.Fprintln(os.Stderr, "usage: architect [flags] <description>")
			os.Exit(2)
		}
		at, perr := blueprint.ParseVec3i(*anchor)
		if perr != nil {
			fmt.Fprintln(os.Stderr, "bad -anchor:", perr)
			os.Exit(2)
		}
		res, err = a.Builder.Build(ctx, orchestrator.Request{
			Description: desc,
			Anchor:      at,
			Target:      *target,
			Rotation:    *rotation,
		})
	}
	close(stop)

	if res != nil {
		out := *res
		out.Blueprint = nil
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
		printSummary(res)
	}
	if err != nil {
		var oe *orchestrator.Error
		if errors.As(err, &oe) && oe.Code == protocol.ErrNothingToResume {
			logger.Printf("%v", err)
			return
		}
		// Deferred closers do not run after os.Exit.
		a.Close()
		logger.Printf("build failed: %v", err)
		os.Exit(1)
	}
	if res.Status != orchestrator.StatusBuilt {
		a.Close()
		os.Exit(3)
	}
}

func readRequest(path string) (orchestrator.Request, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return orchestrator.Request{}, err
	}
	var r protocol.BuildRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return orchestrator.Request{}, fmt.Errorf("%s: %w", path, err)
	}
	if strings.TrimSpace(r.Description) == "" {
		return orchestrator.Request{}, fmt.Errorf("%s: missing description", path)
	}
	return orchestrator.Request{
		Description: r.Description,
		Anchor:      blueprint.FromArray(r.Anchor),
		Target:      r.Target,
		Rotation:    r.Rotation,
	}, nil
}

func pollProgress(b *orchestrator.Builder, t *runTracker, stop <-chan struct{}) {
	tk := time.NewTicker(time.Second)
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C:
			id := t.current()
			if id == "" {
				continue
			}
			p, ok := b.Progress(id)
			if !ok {
				continue
			}
			fmt.Fprintf(os.Stderr, "progress run=%s %d/%d acknowledged=%d failed=%d\n",
				id, p.Attempted, p.Total, p.Acknowledged, p.Failed)
		}
	}
}

func printSummary(res *orchestrator.Result) {
	fmt.Fprintf(os.Stderr, "%s: %s of %s commands acknowledged, %s blocks placed in %s\n",
		res.Status, humanize.Comma(int64(res.Acknowledged)), humanize.Comma(int64(res.Operations)),
		humanize.Comma(int64(res.BlocksPlaced)), res.Elapsed.Round(time.Millisecond))
	if len(res.FailedElements) > 0 {
		fmt.Fprintf(os.Stderr, "failed elements: %s\n", strings.Join(res.FailedElements, ", "))
	}
	if len(res.Failures) > 0 || len(res.Unsent) > 0 {
		fmt.Fprintf(os.Stderr, "resume with: architect -resume %s\n", res.RunID)
	}
}

func listRuns(ctx context.Context, a *app.App, n int) int {
	if a.Store == nil {
		fmt.Fprintln(os.Stderr, "run store is disabled")
		return 1
	}
	list, err := a.Store.ListRuns(ctx, n)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list runs:", err)
		return 1
	}
	for _, r := range list {
		line := fmt.Sprintf("%s  %-13s %-10s %s/%s ops  %s blocks  %s  %q",
			r.RunID, r.Status, r.Target, humanize.Comma(int64(r.Acknowledged)), humanize.Comma(int64(r.Operations)),
			humanize.Comma(int64(r.BlocksPlaced)), humanize.Time(r.StartedAt), r.Description)
		if r.ResumedFrom != "" {
			line += "  resumes " + r.ResumedFrom
		}
		fmt.Println(line)
	}
	return 0
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
