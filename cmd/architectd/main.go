package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"craftarchitect.ai/internal/app"
	"craftarchitect.ai/internal/config"
	"craftarchitect.ai/internal/inbox"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/architect.yaml", "path to architect.yaml")
		inboxDir   = flag.String("inbox", "", "request drop directory (default: inbox_dir from config)")
		addr       = flag.String("addr", "127.0.0.1:8095", "admin http listen address (empty to disable)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[architectd] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	dir := strings.TrimSpace(*inboxDir)
	if dir == "" {
		dir = cfg.InboxDir
	}
	if dir == "" {
		logger.Fatalf("no inbox dir: set inbox_dir or -inbox")
	}

	a, err := app.Open(cfg, logger)
	if err != nil {
		logger.Fatalf("open: %v", err)
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if listen := strings.TrimSpace(*addr); listen != "" {
		mux := http.NewServeMux()
		registerAdmin(mux, a.Builder, a.Store)
		srv := &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			logger.Printf("admin listening on %s", listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("admin ListenAndServe: %v", err)
			}
		}()
	}

	w := inbox.NewWatcher(dir, a.Builder, logger)
	logger.Printf("watching inbox dir=%s targets=%v", dir, a.Builder.Targets())
	if err := w.Run(ctx); err != nil {
		logger.Printf("inbox: %v", err)
	}
	logger.Printf("shutdown")
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
