// Package api provides the HTTP server and bootstrap logic for IntakePipe.
//
// It exposes RESTful endpoints to run onboarding interviews: structured
// answers, free-form chat with the assistant, and catalog administration.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/actions"
	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/genai"
	"github.com/BTreeMap/IntakePipe/internal/lock"
	"github.com/BTreeMap/IntakePipe/internal/lockfile"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

const (
	// DefaultServerAddress is the listen address when none is configured.
	DefaultServerAddress = ":8080"
	// DefaultActionTimeout bounds a single action invocation.
	DefaultActionTimeout = 20 * time.Second
	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 15 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr          string
	StateDir      string
	CatalogFile   string
	RedisAddr     string
	SystemPrompt  string
	ActionTimeout time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the state directory guarded by the instance lock file.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithCatalogFile seeds the catalog from a YAML file at start-up.
func WithCatalogFile(path string) Option {
	return func(o *Opts) { o.CatalogFile = path }
}

// WithRedisAddr shares session locks through Redis.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

// WithSystemPrompt replaces the assistant's base prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// WithActionTimeout sets the per-action timeout.
func WithActionTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ActionTimeout = d }
}

// Server holds the collaborators of the HTTP handlers.
type Server struct {
	machine *flow.Machine
	// assistant is nil when no language model is configured.
	assistant *flow.Assistant
	catalog   catalog.Reader
	st        store.Store
}

// NewServer creates a server. assistant may be nil.
func NewServer(machine *flow.Machine, assistant *flow.Assistant, cat catalog.Reader, st store.Store) *Server {
	return &Server{machine: machine, assistant: assistant, catalog: cat, st: st}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.createSessionHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/start", s.startSessionHandler)
	mux.HandleFunc("GET /sessions/{id}/question", s.currentQuestionHandler)
	mux.HandleFunc("POST /sessions/{id}/responses", s.submitResponseHandler)
	mux.HandleFunc("POST /sessions/{id}/back", s.goBackHandler)
	mux.HandleFunc("POST /sessions/{id}/chat", s.chatHandler)
	mux.HandleFunc("POST /sessions/{id}/actions/{name}", s.runActionHandler)
	mux.HandleFunc("POST /sessions/{id}/complete", s.completeHandler)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.cancelHandler)
	mux.HandleFunc("GET /sessions/{id}/progress", s.progressHandler)
	mux.HandleFunc("GET /catalog", s.catalogHandler)
	mux.HandleFunc("PUT /catalog/questions/{key}", s.putQuestionHandler)
	mux.HandleFunc("DELETE /catalog/questions/{key}", s.deleteQuestionHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
	})
	return mux
}

// Run wires the engine from the given options and serves HTTP until SIGINT or SIGTERM.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := Opts{Addr: DefaultServerAddress, ActionTimeout: DefaultActionTimeout}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := bootstrap(ctx, storeOpts, genaiOpts, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("IntakePipe API listening", "addr", cfg.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// bootstrap builds the store, catalog, action registry, state machine and
// assistant. cleanup releases them in reverse order.
func bootstrap(ctx context.Context, storeOpts []store.Option, genaiOpts []genai.Option, cfg Opts) (*Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	var locker flow.SessionLocker
	if cfg.RedisAddr != "" {
		rl, err := lock.NewRedisLockerFromAddr(ctx, cfg.RedisAddr, 0)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to redis: %w", err))
		}
		closers = append(closers, func() { _ = rl.Close() })
		locker = rl
	} else {
		if cfg.StateDir != "" {
			lf, err := lockfile.AcquireLock(cfg.StateDir)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, func() { _ = lf.Release() })
		}
		locker = flow.NewMemoryLocker()
	}

	st, err := openStore(storeOpts)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() {
		if err := st.Close(); err != nil {
			slog.Warn("bootstrap: failed to close store", "error", err)
		}
	})

	if cfg.CatalogFile != "" {
		qs, err := catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			return fail(err)
		}
		if err := catalog.Seed(ctx, st, qs); err != nil {
			return fail(err)
		}
	}
	reader, err := catalog.NewCachedReader(st, catalog.DefaultCacheSize)
	if err != nil {
		return fail(err)
	}

	// A missing API key disables the assistant and the language-model actions.
	var generator actions.PromptGenerator
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Warn("bootstrap: language model unavailable, chat endpoint disabled", "error", err)
	} else {
		generator = client
	}

	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, actions.BuiltinOptions{
		HTTPClient: actions.PublicHTTPClient(cfg.ActionTimeout),
		Generator:  generator,
	}); err != nil {
		return fail(err)
	}
	runner := actions.NewRunner(reg, cfg.ActionTimeout)

	machineOpts := []flow.Option{flow.WithLocker(locker)}
	if client != nil {
		machineOpts = append(machineOpts, flow.WithFinalizeActions(models.ActionSpec{ActionName: actions.ActionSummarizeInterview}))
	}
	machine := flow.NewMachine(st, reader, runner, machineOpts...)

	var assistant *flow.Assistant
	if client != nil {
		assistant = flow.NewAssistant(machine, client, flow.WithSystemPrompt(cfg.SystemPrompt))
	}
	slog.Info("bootstrap: engine ready", "actions", reg.Names(), "assistant", assistant != nil, "redisLocks", cfg.RedisAddr != "")
	return NewServer(machine, assistant, reader, st), cleanup, nil
}

// openStore opens the configured database, or an in-memory store when no DSN is set.
func openStore(opts []store.Option) (store.Store, error) {
	var o store.Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.DSN == "" {
		slog.Warn("openStore: no database configured, sessions will not survive a restart")
		return store.NewInMemoryStore(), nil
	}
	st, err := store.New(o.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}
