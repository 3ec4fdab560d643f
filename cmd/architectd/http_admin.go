package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"craftarchitect.ai/internal/dispatch"
	"craftarchitect.ai/internal/persistence/runstore"
)

type builderView interface {
	Targets() []string
	Progress(runID string) (dispatch.Progress, bool)
}

// registerAdmin mounts read-only run inspection endpoints. store may be nil.
func registerAdmin(mux *http.ServeMux, b builderView, store runstore.Store) {
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /admin/v1/targets", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"targets": b.Targets()})
	})
	mux.HandleFunc("GET /admin/v1/runs", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if store == nil {
			http.Error(rw, "run store disabled", http.StatusNotFound)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		runs, err := store.ListRuns(r.Context(), limit)
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"runs": runs})
	})
	mux.HandleFunc("GET /admin/v1/runs/{id}", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if store == nil {
			http.Error(rw, "run store disabled", http.StatusNotFound)
			return
		}
		res, err := store.LoadRun(r.Context(), r.PathValue("id"))
		if errors.Is(err, runstore.ErrNotFound) {
			http.Error(rw, "run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		res.Blueprint = nil
		writeJSON(rw, http.StatusOK, res)
	})
	mux.HandleFunc("GET /admin/v1/runs/{id}/progress", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		id := r.PathValue("id")
		p, ok := b.Progress(id)
		if !ok {
			http.Error(rw, "run not active", http.StatusNotFound)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"run_id": id, "progress": p, "done": p.Done()})
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
