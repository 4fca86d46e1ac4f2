// Package app wires every component described in spec.md into one
// runnable process: config, the six SQLite stores, the client registry
// and its adapters, the category/move/user/auth managers, the event
// hook, the pipeline assembler, the scheduler, the WebSocket hub, and
// the two compatibility HTTP facades. Modeled on the teacher's ais.Run
// (ais/daemon.go): a single entry point that builds the dependency
// graph top-down and returns a process exit code rather than calling
// os.Exit itself.
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/adapter/amule"
	"github.com/got3nks/amule-web-controller-sub002/internal/adapter/qbittorrent"
	"github.com/got3nks/amule-web-controller-sub002/internal/adapter/transmission"
	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/auth"
	"github.com/got3nks/amule-web-controller-sub002/internal/category"
	"github.com/got3nks/amule-web-controller-sub002/internal/compat/torznab"
	"github.com/got3nks/amule-web-controller-sub002/internal/compat/webui"
	"github.com/got3nks/amule-web-controller-sub002/internal/config"
	"github.com/got3nks/amule-web-controller-sub002/internal/events"
	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
	"github.com/got3nks/amule-web-controller-sub002/internal/move"
	"github.com/got3nks/amule-web-controller-sub002/internal/pipeline"
	"github.com/got3nks/amule-web-controller-sub002/internal/registry"
	"github.com/got3nks/amule-web-controller-sub002/internal/scheduler"
	"github.com/got3nks/amule-web-controller-sub002/internal/store"
	"github.com/got3nks/amule-web-controller-sub002/internal/user"
	"github.com/got3nks/amule-web-controller-sub002/internal/wshub"
)

const (
	refreshInterval   = 3 * time.Second
	reconnectInterval = 30 * time.Second
	sessionTTL        = 30 * 24 * time.Hour
)

var log = logging.New("app")

// Run builds the full dependency graph rooted at dataDir's config.json
// and blocks serving HTTP until the process receives SIGINT/SIGTERM. It
// returns a process exit code so main can stay a one-liner.
func Run(dataDir string) int {
	cfg, err := config.Load(dataDir)
	if err != nil {
		log.Errorf("loading config: %v", err)
		return 1
	}
	for _, dir := range []string{cfg.Directories.Data, cfg.Directories.Logs, cfg.Directories.GeoIP} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Errorf("creating %s: %v", dir, err)
			return 1
		}
	}

	dbs, err := store.OpenAll(cfg.Directories.Data)
	if err != nil {
		log.Errorf("opening databases: %v", err)
		return 1
	}
	defer dbs.Close()
	if err := dbs.Migrate(); err != nil {
		log.Errorf("migrating databases: %v", err)
		return 1
	}

	history := store.NewHistory(dbs.History)
	hashes, err := store.NewSyntheticHashStore(dbs.Hashes)
	if err != nil {
		log.Errorf("opening synthetic hash store: %v", err)
		return 1
	}

	reg := registry.New()
	for _, c := range cfg.Clients {
		if err := registerAdapter(reg, c); err != nil {
			log.Errorf("registering client %s: %v", c.InstanceID, err)
			return 1
		}
	}

	categories := category.New(filepath.Join(cfg.Directories.Data, "categories.json"), reg)
	if err := categories.Load(); err != nil {
		log.Errorf("loading categories: %v", err)
		return 1
	}

	eventsHook := events.New(cfg.EventScripting)
	moves := move.New(dbs.MoveOps, eventsHook)
	users := user.New(dbs.Users)

	if err := bootstrapAdmin(context.Background(), users, cfg); err != nil {
		log.Errorf("bootstrapping admin user: %v", err)
		return 1
	}

	authGate := auth.New(users, dbs.Sessions, []byte(cfg.Server.Auth.SessionSecret), sessionTTL)

	assembler := pipeline.New(reg, categories, history, moves, nil, nil)

	hub := wshub.New(reg, categories, moves, users, history, assembler.Cache(), authGate, eventsHook,
		[]byte(cfg.Server.Auth.SessionSecret), cfg.Server.Auth.Enabled)

	tick := func(ctx context.Context) error {
		if _, err := assembler.Run(ctx); err != nil {
			return err
		}
		hub.BroadcastBatch()
		return nil
	}
	sched := scheduler.New(tick, reg, dbs.Metrics, eventsHook, refreshInterval, reconnectInterval)

	webuiFacade := webui.New(reg, assembler.Cache(), hashes, categories, authGate, cfg.Server.Auth.Enabled)
	torznabIndexer := torznab.New(reg, authGate, cfg.Server.Auth.Enabled)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	webuiFacade.Routes(mux)
	torznabIndexer.Routes(mux)
	registerAuthAPI(mux, authGate, cfg, sessionTTL)
	registerUsersAPI(mux, users, authGate, cfg)
	registerVersionAPI(mux)
	registerFilesAPI(mux, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectAll(ctx, reg, categories)

	sched.Start(ctx)
	go hub.RunInvalidationSweep(ctx)

	srv := &http.Server{Addr: cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()
	log.Infof("listening on %s", srv.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

func registerAdapter(reg *registry.Registry, c config.ClientEntry) error {
	var a adapter.Adapter
	switch c.Type {
	case model.ClientAmule:
		a = amule.New(c.InstanceID, c.Host, c.Port, c.Username, c.Password)
	case model.ClientQBittorrent:
		a = qbittorrent.New(c.InstanceID, c.Host, c.Port, c.Username, c.Password)
	case model.ClientTransmission:
		a = transmission.New(c.InstanceID, c.Host, c.Port, c.Username, c.Password)
	default:
		return apperr.New(apperr.Config, "unknown client type %q for instance %q", c.Type, c.InstanceID)
	}
	a.SetEnabled(c.Enabled)
	return reg.Register(c.InstanceID, c.Type, a, registry.RegisterOpts{DisplayName: c.DisplayName})
}

// connectAll attempts an initial InitClient for every enabled adapter so
// the first pipeline tick isn't the first connection attempt; the
// scheduler's reconnect loop (spec.md §5) takes over from here for
// whatever doesn't come up immediately.
func connectAll(ctx context.Context, reg *registry.Registry, categories *category.Manager) {
	for _, a := range reg.GetEnabled() {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ok, err := a.InitClient(connectCtx)
		cancel()
		if err != nil || !ok {
			log.Warnf("initial connect to %s failed: %v", a.InstanceID(), err)
			continue
		}
		syncCtx, syncCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.OnConnectSync(syncCtx, categories); err != nil {
			log.Warnf("category sync with %s failed: %v", a.InstanceID(), err)
		}
		syncCancel()
		categories.PropagateToOtherClients(ctx, a.InstanceID())
	}
	go func() {
		validateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		categories.ValidateAllPaths(validateCtx)
	}()
}

// bootstrapAdmin creates the configured admin user on first run, hashing
// the plaintext config.json password exactly once (spec.md §4.5's Design
// Notes "first-run config value not yet hashed"); every later Login call
// compares against the stored bcrypt hash, not the config file.
func bootstrapAdmin(ctx context.Context, users *user.Store, cfg *config.Config) error {
	if !cfg.Server.Auth.Enabled || cfg.FirstRunCompleted {
		return nil
	}
	if cfg.Server.Auth.AdminUsername == "" || cfg.Server.Auth.Password == "" {
		return nil
	}
	if _, err := users.GetByUsername(ctx, cfg.Server.Auth.AdminUsername); err == nil {
		return nil
	}
	if err := auth.ValidatePassword(cfg.Server.Auth.Password); err != nil {
		return err
	}
	hash, err := auth.HashPassword(cfg.Server.Auth.Password)
	if err != nil {
		return err
	}
	admin := model.User{Username: cfg.Server.Auth.AdminUsername, IsAdmin: true}
	if _, err := users.Create(ctx, admin, hash); err != nil {
		return err
	}
	cfg.FirstRunCompleted = true
	return cfg.Save()
}
