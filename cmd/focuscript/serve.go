package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codename/focuscript"
	"github.com/codename/focuscript/artifact"
	"github.com/codename/focuscript/executor"
	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/internal/hostsim"
	"github.com/codename/focuscript/manager"
)

// maxRequestBody caps load and invoke request bodies.
const maxRequestBody = 4 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP host API",
	Long: `Start an HTTP server that hosts scripts behind a simulated game server.

Workspaces under the configured scripts directory are loaded at startup
and, with --watch, reloaded as their files change.

Endpoints:
  GET    /health                 Health check
  GET    /api                    API artifact (?schema=1 for its JSON schema)
  GET    /scripts                List loaded scripts
  GET    /scripts/{id}           Describe one script
  POST   /scripts/{id}           Load or reload {"source":"...","language":"..."}
                                 (wasm modules as base64 in "binary")
  POST   /scripts/{id}/invoke    Invoke {"args":{...},"timeout":"1s"}
  DELETE /scripts/{id}           Unload
  POST   /players/{name}         Join a simulated player (emits playerJoin)
  DELETE /players/{name}         Remove a simulated player (emits playerQuit)
  POST   /events/{name}          Emit a host event with the JSON body as data
  POST   /commands               Dispatch a console command {"command":"/..."}`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (default: from config)")
	serveCmd.Flags().Bool("watch", false, "Reload workspaces on change (default: from config)")
	serveCmd.Flags().Bool("no-workspaces", false, "Do not load workspaces at startup")
	rootCmd.AddCommand(serveCmd)
}

type loadRequest struct {
	Source      string         `json:"source"`
	// Binary is base64 in JSON and carries wasm modules.
	Binary      []byte         `json:"binary,omitempty"`
	Language    string         `json:"language,omitempty"`
	File        string         `json:"file,omitempty"`
	APIVersion  int            `json:"api,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Events      []string       `json:"events,omitempty"`
	Commands    []string       `json:"commands,omitempty"`
}

type loadResponse struct {
	Identity    string        `json:"identity"`
	State       manager.State `json:"state"`
	Version     uint64        `json:"version,omitempty"`
	Cached      bool          `json:"cached"`
	DurationMs  int64         `json:"duration_ms"`
	Diagnostics []string      `json:"diagnostics,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type invokeRequest struct {
	Args    map[string]any `json:"args,omitempty"`
	Timeout string         `json:"timeout,omitempty"`
}

type invokeResponse struct {
	Kind         executor.Kind `json:"kind"`
	Value        any           `json:"value,omitempty"`
	Output       string        `json:"output,omitempty"`
	DurationMs   int64         `json:"duration_ms"`
	InvocationID string        `json:"invocation_id,omitempty"`
	Version      uint64        `json:"version,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Handled bool   `json:"handled"`
	Error   string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("watch") {
		cfg.Watch, _ = cmd.Flags().GetBool("watch")
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	noWorkspaces, _ := cmd.Flags().GetBool("no-workspaces")

	logger := cfg.Logger(os.Stderr)
	srv := hostsim.New(logger)
	engine, err := newEngine(cfg, focuscript.WithServer(srv))
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !noWorkspaces {
		if _, err := os.Stat(cfg.ScriptsDir); err == nil {
			if _, err := engine.LoadWorkspaces(ctx); err != nil {
				logger.Error("load workspaces", slog.Any("error", err))
			}
			if cfg.Watch {
				go func() {
					if err := engine.Watch(ctx); err != nil {
						logger.Error("watch workspaces", slog.Any("error", err))
					}
				}()
			}
		} else {
			logger.Warn("scripts directory unavailable", slog.String("dir", cfg.ScriptsDir), slog.Any("error", err))
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newServeMux(engine, srv, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "focuscript server listening on %s\n", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("shutdown http server", slog.Any("error", shutdownErr))
	}
	if closeErr := engine.Close(shutdownCtx); closeErr != nil {
		logger.Error("close engine", slog.Any("error", closeErr))
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(err)
	}
}

func newServeMux(engine *focuscript.Engine, srv *hostsim.Server, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("schema") != "" {
			schema, err := artifact.Schema()
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
				return
			}
			w.Header().Set("Content-Type", "application/schema+json")
			w.Write(schema)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(artifact.Raw())
	})

	mux.HandleFunc("GET /scripts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, engine.Manager.List())
	})

	mux.HandleFunc("GET /scripts/{id}", func(w http.ResponseWriter, r *http.Request) {
		info, ok := engine.Manager.Describe(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "script not found"})
			return
		}
		writeJSON(w, http.StatusOK, info)
	})

	mux.HandleFunc("POST /scripts/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req loadRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
			return
		}
		if len(req.Binary) > 0 {
			req.Source = string(req.Binary)
		}
		if req.Source == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "source required"})
			return
		}

		opts := []manager.LoadOption{manager.WithPermissions(req.Permissions...)}
		if req.Language != "" {
			lang, err := getLanguage(req.Language, "")
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
				return
			}
			opts = append(opts, manager.WithLanguage(lang))
		}
		if req.File != "" {
			opts = append(opts, manager.WithFile(req.File))
		}
		if req.APIVersion != 0 {
			opts = append(opts, manager.WithAPIVersion(req.APIVersion))
		}
		if req.Config != nil {
			opts = append(opts, manager.WithConfig(req.Config))
		}
		opts = append(opts, manager.WithEvents(req.Events...), manager.WithCommands(req.Commands...))

		summary := engine.Manager.Load(r.Context(), r.PathValue("id"), req.Source, opts...)
		resp := loadResponse{
			Identity:   summary.Identity,
			State:      summary.State,
			Version:    summary.Version,
			Cached:     summary.Cached,
			DurationMs: summary.Duration.Milliseconds(),
		}
		for _, d := range summary.Diagnostics {
			resp.Diagnostics = append(resp.Diagnostics, d.String())
		}
		status := http.StatusOK
		switch {
		case errors.Is(summary.Err, manager.ErrEmptyIdentity):
			status = http.StatusBadRequest
		case errors.Is(summary.Err, manager.ErrClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(summary.Err, hostfunc.ErrCommandTaken):
			status = http.StatusConflict
		case summary.Err != nil:
			status = http.StatusUnprocessableEntity
		}
		if summary.Err != nil {
			resp.Error = summary.Err.Error()
		}
		writeJSON(w, status, resp)
	})

	mux.HandleFunc("POST /scripts/{id}/invoke", func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
			return
		}

		var opts []executor.Option
		if req.Timeout != "" {
			d, err := time.ParseDuration(req.Timeout)
			if err != nil || d <= 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid timeout"})
				return
			}
			opts = append(opts, executor.WithTimeout(d))
		}

		result := engine.Manager.Invoke(r.Context(), r.PathValue("id"), req.Args, opts...)
		status := http.StatusOK
		if result.Kind == executor.KindNotLoaded {
			status = http.StatusNotFound
		}
		writeJSON(w, status, newInvokeResponse(result))
	})

	mux.HandleFunc("DELETE /scripts/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := engine.Manager.Describe(id); !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "script not found"})
			return
		}
		if err := engine.Manager.Unload(r.Context(), id); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /players/{name}", func(w http.ResponseWriter, r *http.Request) {
		world := r.URL.Query().Get("world")
		if world == "" {
			world = "world"
		}
		p := srv.Join(r.PathValue("name"), world)
		logger.Debug("player joined", slog.String("player", p.Name), slog.String("world", p.World))
		engine.Manager.Emit(r.Context(), "playerJoin", map[string]any{"player": p.Name, "uuid": p.UUID, "world": p.World})
		writeJSON(w, http.StatusCreated, p)
	})

	mux.HandleFunc("DELETE /players/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		srv.Leave(name)
		engine.Manager.Emit(r.Context(), "playerQuit", map[string]any{"player": name})
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /events/{name}", func(w http.ResponseWriter, r *http.Request) {
		var data map[string]any
		if err := decodeJSON(r, &data); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
			return
		}
		results := engine.Manager.Emit(r.Context(), r.PathValue("name"), data)
		resp := make(map[string]invokeResponse, len(results))
		for id, result := range results {
			resp[id] = newInvokeResponse(result)
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("POST /commands", func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if err := decodeJSON(r, &req); err != nil || req.Command == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "command required"})
			return
		}
		handled, err := srv.DispatchCommand(r.Context(), req.Command)
		resp := commandResponse{Handled: handled}
		if err != nil {
			resp.Error = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return mux
}

func newInvokeResponse(result executor.Result) invokeResponse {
	resp := invokeResponse{
		Kind:         result.Kind,
		Value:        result.Value,
		Output:       result.Output,
		DurationMs:   result.Duration.Milliseconds(),
		InvocationID: result.InvocationID,
		Version:      result.Version,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
