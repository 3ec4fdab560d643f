// Package app wires a Builder and its supporting services from architect.yaml.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"craftarchitect.ai/internal/compiler"
	"craftarchitect.ai/internal/config"
	"craftarchitect.ai/internal/dispatch"
	mqttnotify "craftarchitect.ai/internal/notify/mqtt"
	"craftarchitect.ai/internal/oracle"
	"craftarchitect.ai/internal/orchestrator"
	persistlog "craftarchitect.ai/internal/persistence/log"
	"craftarchitect.ai/internal/persistence/runstore"
	"craftarchitect.ai/internal/transport/rcon"
	"craftarchitect.ai/internal/transport/ws"
)

type App struct {
	Config  config.Config
	Builder *orchestrator.Builder
	// Store is nil when the store driver is none.
	Store   runstore.Store
	Catalog *oracle.Catalog

	log     *log.Logger
	closers []func()
}

// Open builds the oracle chain, one channel per target, the journal, the
// run store and the optional MQTT publisher. Bedrock targets start listening
// immediately so a game client can join before the first build.
func Open(cfg config.Config, logger *log.Logger, observers ...orchestrator.Observer) (*App, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	a := &App{Config: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var chain oracle.Chain
	cat, err := oracle.LoadCatalog(cfg.Oracle.BlueprintsDir)
	if err != nil {
		return nil, fmt.Errorf("load blueprints: %w", err)
	}
	a.Catalog = cat
	if cat.Len() > 0 {
		chain = append(chain, cat)
		logger.Printf("blueprint catalog dir=%s entries=%d", cfg.Oracle.BlueprintsDir, cat.Len())
	}
	if cfg.Oracle.URL != "" {
		chain = append(chain, oracle.NewHTTP(oracle.HTTPConfig{
			URL:     cfg.Oracle.URL,
			APIKey:  cfg.Oracle.APIKey(),
			Timeout: cfg.OracleTimeout(),
		}))
	}
	if len(chain) == 0 {
		return nil, errors.New("no oracle: set oracle.url or add blueprints to oracle.blueprints_dir")
	}

	targets := map[string]dispatch.Channel{}
	for _, t := range cfg.Targets {
		ch, err := a.openTarget(t)
		if err != nil {
			return nil, err
		}
		targets[t.Name] = ch
	}

	if cfg.JournalDir != "" {
		j := persistlog.NewRunJournal(cfg.JournalDir, logger)
		a.closers = append(a.closers, func() { _ = j.Close() })
		observers = append(observers, j)
	}

	if cfg.Store.Driver != "none" {
		st, err := runstore.Open(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open run store: %w", err)
		}
		a.Store = st
		rec := runstore.NewRecorder(st, logger)
		// recorder drains before the store closes
		a.closers = append(a.closers, func() { _ = st.Close() }, rec.Close)
		observers = append(observers, rec)
	}

	if cfg.MQTT.Broker != "" {
		pub, err := mqttnotify.Dial(mqttnotify.Config{
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Logger:      logger,
		})
		if err != nil {
			// progress notifications are optional
			logger.Printf("mqtt disabled: %v", err)
		} else {
			a.closers = append(a.closers, pub.Close)
			observers = append(observers, pub)
		}
	}

	copts := cfg.CompilerOptions()
	dcfg := cfg.DispatchConfig()
	dcfg.Logger = logger
	b, err := orchestrator.New(orchestrator.Config{
		Oracle:             chain,
		Compiler:           compiler.New(copts),
		Targets:            targets,
		DefaultTarget:      cfg.DefaultTarget,
		Dispatch:           dcfg,
		OracleTimeout:      cfg.OracleTimeout(),
		AvailableMaterials: cfg.Oracle.AvailableMaterials,
		Logger:             logger,
		Observers:          observers,
	})
	if err != nil {
		return nil, err
	}
	a.Builder = b
	ok = true
	return a, nil
}

func (a *App) openTarget(t config.TargetSpec) (dispatch.Channel, error) {
	switch t.Kind {
	case config.KindRCON:
		ch := rcon.New(rcon.Config{Addr: t.Addr, Password: t.Password(), Logger: a.log})
		a.closers = append(a.closers, func() { _ = ch.Close() })
		return ch, nil
	case config.KindBedrockWS:
		srv := ws.NewServer(time.Duration(t.ConnectWaitMS)*time.Millisecond, a.log)
		ln, err := net.Listen("tcp", t.Listen)
		if err != nil {
			return nil, fmt.Errorf("target %s listen %s: %w", t.Name, t.Listen, err)
		}
		hs := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := hs.Serve(ln); err != nil && err != http.ErrServerClosed {
				a.log.Printf("target=%s serve: %v", t.Name, err)
			}
		}()
		a.log.Printf("target=%s waiting for /connect ws://%s", t.Name, ln.Addr())
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(ctx)
		})
		return srv, nil
	default:
		return nil, fmt.Errorf("target %s: unknown kind %q", t.Name, t.Kind)
	}
}

// LoadRun fetches a stored run for resume.
func (a *App) LoadRun(ctx context.Context, runID string) (*orchestrator.Result, error) {
	if a.Store == nil {
		return nil, errors.New("run store is disabled (store.driver: none)")
	}
	return a.Store.LoadRun(ctx, runID)
}

// Close releases everything Open started, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
