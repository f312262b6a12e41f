// Package dockhand is the top-level entry point. It wires configuration,
// storage, the chat connection, the remote VM executor, and the session core
// into one App, then supervises the long-running tasks.
//
//	cfg, err := config.Load(path)
//	app, err := dockhand.New(cfg)
//	err = app.Run(ctx)
package dockhand

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dockhand-dev/dockhand/approval"
	"github.com/dockhand-dev/dockhand/chat"
	"github.com/dockhand-dev/dockhand/command"
	"github.com/dockhand-dev/dockhand/devcontainer"
	"github.com/dockhand-dev/dockhand/firewall"
	"github.com/dockhand-dev/dockhand/gitrepo"
	"github.com/dockhand-dev/dockhand/httpapi"
	"github.com/dockhand-dev/dockhand/internal/config"
	"github.com/dockhand-dev/dockhand/internal/logging"
	"github.com/dockhand-dev/dockhand/metrics"
	"github.com/dockhand-dev/dockhand/registry"
	"github.com/dockhand-dev/dockhand/remote"
	"github.com/dockhand-dev/dockhand/session"
	"github.com/dockhand-dev/dockhand/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

// App is a fully wired Dockhand instance.
type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	registry *registry.Registry
	chat     *chat.Client
	listener *chat.Listener
	manager  *session.Manager
	approver *approval.Coordinator
	router   *command.Router
	api      *httpapi.Handler
}

// New composes the application from configuration. Nothing long-running is
// started; call Run.
func New(cfg *config.Config) (*App, error) {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	st, err := sqlite.New(cfg.DBPath, sqlite.Options{PoolSize: cfg.DBPoolSize})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	m := metrics.New()
	chatc := chat.NewClient(cfg.ChatURL, cfg.ChatToken, cfg.ChatBotUser, log)
	listener := chat.NewListener(cfg.ChatURL, cfg.ChatToken, cfg.ChatBotUser, log, m)

	exec, err := remote.New(remote.Config{
		Host:     cfg.VMHost,
		User:     cfg.VMUser,
		KeyPath:  cfg.VMKeyPath,
		Key:      cfg.VMKey,
		StateDir: cfg.StateDir,
	}, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("remote executor: %w", err)
	}

	dc := devcontainer.NewHost(exec, cfg.DevcontainerTimeout)
	reg := registry.New(st, log)
	repos := gitrepo.New(exec, cfg.ReposDir, cfg.CloneURL, cfg.AutoPull, log)
	mgr := session.NewManager(cfg, st, chatc, exec, dc, reg, repos, m, log)

	fw := firewall.New(cfg.FirewallURL, cfg.FirewallAlias, cfg.FirewallKey, cfg.FirewallSecret, log)
	approver := approval.New(st, fw, chatc, mgr, m, log,
		cfg.HMACSecret, cfg.CallbackURL, cfg.AllowedApprovers)
	mgr.SetApprovals(approver)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		registry: reg,
		chat:     chatc,
		listener: listener,
		manager:  mgr,
		approver: approver,
		router:   command.NewRouter(cfg, chatc, st, mgr, log),
		api:      httpapi.New(cfg, approver, st, m, log),
	}, nil
}

// Manager exposes the session core for embedding and tests.
func (a *App) Manager() *session.Manager { return a.manager }

// Run restores state, starts every background task, and blocks until the
// context is cancelled or a task fails fatally.
func (a *App) Run(ctx context.Context) error {
	defer a.log.Sync()
	defer a.store.Close()

	if err := a.registry.SyncFromDB(ctx); err != nil {
		return fmt.Errorf("registry sync: %w", err)
	}
	if err := a.manager.Recover(ctx); err != nil {
		a.log.Warn("session recovery incomplete", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.listener.Run(ctx) })
	g.Go(func() error { return a.router.Run(ctx, a.listener.Events()) })
	g.Go(func() error { return a.manager.RunIdleMonitor(ctx) })
	g.Go(func() error { return a.manager.RunLivenessMonitor(ctx) })
	g.Go(func() error { return a.approver.RunSweeper(ctx) })
	g.Go(func() error { return a.api.RunLimiterGC(ctx) })

	srv := &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: a.api.Router(),
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.log.Info("dockhand listening", zap.String("addr", a.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
