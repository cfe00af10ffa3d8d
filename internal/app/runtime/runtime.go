package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"liveRelay/internal/app"
	"liveRelay/internal/app/events"
	"liveRelay/internal/domain"
	"liveRelay/internal/infrastructure/config"
	sqlitestorage "liveRelay/internal/infrastructure/persistence/sqlite"
	"liveRelay/internal/interface/outs"
	"liveRelay/internal/logging"
	"liveRelay/internal/metrics"
	credentialsusecase "liveRelay/internal/usecase/credentials"
	"liveRelay/internal/usecase/notifications"
)

// Phase is how far startup got. Phases only move forward.
type Phase int

const (
	PhaseUnconfigured Phase = iota
	PhaseConfigLoaded
	PhaseCredentialReady
	PhaseClientBuilt
	PhaseFeaturesRegistered
	PhaseChannelsActivated
)

func (p Phase) String() string {
	switch p {
	case PhaseUnconfigured:
		return "unconfigured"
	case PhaseConfigLoaded:
		return "config_loaded"
	case PhaseCredentialReady:
		return "credential_ready"
	case PhaseClientBuilt:
		return "client_built"
	case PhaseFeaturesRegistered:
		return "features_registered"
	case PhaseChannelsActivated:
		return "channels_activated"
	}
	return "unknown"
}

// PlatformClient is the live platform connection the runtime drives.
type PlatformClient interface {
	app.ChannelPlatform
	Start(ctx context.Context) error
	Wait() error
	Close() error
	UpdateAccessToken(token string)
}

// ClientDeps is what the runtime hands to a ClientFactory.
type ClientDeps struct {
	Credential *domain.Credential
	Publisher  domain.EventPublisher
	Notices    *notifications.EventLogger
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type ClientFactory func(cfg *config.Config, deps ClientDeps) (PlatformClient, error)

type Options struct {
	// ConfigPath is passed to config.Load; ignored when Config is set.
	ConfigPath string
	Config     *config.Config
	NewClient  ClientFactory
	Sink       outs.Sink
	Logger     *slog.Logger
}

type Runtime struct {
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *metrics.Metrics
	bus          *events.Bus
	store        *sqlitestorage.CredentialStore
	refresher    *credentialsusecase.Refresher
	credential   *domain.Credential
	client       PlatformClient
	orchestrator *app.ChannelOrchestrator
	features     []string
	report       app.Report

	mu        sync.RWMutex
	phase     Phase
	stopOnce  sync.Once
	metricSrv *http.Server
}

// Start runs the startup sequence: load configuration, build the credential,
// build the platform client, register features, join channels and activate
// subscriptions. Configuration, credential and client errors are returned;
// per-channel failures only show up in Report.
func Start(ctx context.Context, opts Options) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	r := &Runtime{metrics: metrics.New()}

	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	r.cfg = cfg
	r.logger = opts.Logger
	if r.logger == nil {
		r.logger = logging.New(cfg.Log.Level, cfg.Log.Format, nil)
	}
	r.setPhase(PhaseConfigLoaded)

	if err := r.buildCredential(ctx); err != nil {
		r.Stop()
		return nil, err
	}
	r.setPhase(PhaseCredentialReady)

	r.bus = events.NewBus(events.WithLogger(r.logger), events.WithMetrics(r.metrics))

	factory := opts.NewClient
	if factory == nil {
		factory = NewTwitchClient
	}
	client, err := factory(cfg, ClientDeps{
		Credential: r.credential,
		Publisher:  r.bus,
		Notices:    notifications.NewEventLogger(r.logger),
		Metrics:    r.metrics,
		Logger:     r.logger,
	})
	if err != nil {
		r.Stop()
		return nil, fmt.Errorf("build client: %w", err)
	}
	r.client = client
	if r.refresher != nil {
		r.refresher.RegisterHook(r.handleTokenUpdate)
	}
	if err := client.Start(ctx); err != nil {
		r.Stop()
		return nil, fmt.Errorf("start client: %w", err)
	}
	r.setPhase(PhaseClientBuilt)

	sink := opts.Sink
	if sink == nil {
		sink = outs.NewConsoleSink(nil)
	}
	r.features = notifications.InstallAll(r.bus, notifications.Catalog(sink, notifications.Toggles{
		ChannelJoins:  cfg.Features.ChannelJoins,
		ChatEcho:      cfg.Features.ChatEcho,
		Follows:       cfg.Features.Follows,
		Subscriptions: cfg.Features.Subscriptions,
		Donations:     cfg.Features.Donations,
	}))
	r.logger.Info("features registered", "features", r.features)
	r.setPhase(PhaseFeaturesRegistered)

	r.orchestrator = app.NewChannelOrchestrator(app.OrchestratorConfig{
		Platform: client,
		Subscriptions: app.SubscriptionToggles{
			Follows:       cfg.Features.Follows,
			Subscriptions: cfg.Features.Subscriptions,
			Donations:     cfg.Features.Donations,
		},
		ResolveTimeout: cfg.ResolveTimeout,
		JoinLimiter:    app.NewJoinLimiter(cfg.JoinRate),
		Logger:         r.logger,
		Metrics:        r.metrics,
	})
	r.report = r.orchestrator.Activate(ctx, cfg.Channels, r.credential)
	r.setPhase(PhaseChannelsActivated)

	r.logger.Info("channels activated",
		"activated", len(r.report.Activated),
		"failed", len(r.report.Failed),
	)
	return r, nil
}

func (r *Runtime) buildCredential(ctx context.Context) error {
	if path := r.cfg.Storage.Path; path != "" {
		store, err := sqlitestorage.NewCredentialStore(path)
		if err != nil {
			return fmt.Errorf("open token store: %w", err)
		}
		r.store = store
	}

	var repo domain.TokenRepository
	if r.store != nil {
		repo = r.store
	}
	provider := credentialsusecase.NewProvider(repo)

	if err := provider.Seed(ctx, r.cfg.IRCToken(), r.cfg.RefreshToken()); err != nil {
		r.logger.Warn("credentials: could not seed token store", "error", err)
	}

	if repo != nil && r.cfg.RefreshToken() != "" {
		r.refresher = credentialsusecase.NewRefresher(repo, credentialsusecase.TwitchConfig{
			ClientID:     r.cfg.ClientID(),
			ClientSecret: r.cfg.ClientSecret(),
		}, r.logger)
		if err := r.refresher.RefreshAll(ctx); err != nil {
			r.logger.Warn("credentials: initial refresh failed", "error", err)
		}
	}

	cred, err := provider.Credential(ctx, r.cfg.IRCToken())
	if err != nil {
		return fmt.Errorf("build credential: %w", err)
	}
	r.credential = cred
	r.logger.Info("credential ready", "credential", cred)
	return nil
}

func (r *Runtime) handleTokenUpdate(_ context.Context, token *domain.StoredToken) {
	if token == nil || token.Platform != domain.PlatformTwitch || token.Role != credentialsusecase.BotRole {
		return
	}
	if r.client != nil {
		r.client.UpdateAccessToken(token.AccessToken)
	}
}

// Run blocks until ctx ends or the platform connection fails.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.client.Wait()
	})
	g.Go(func() error {
		<-gctx.Done()
		return r.client.Close()
	})

	if r.refresher != nil {
		g.Go(func() error {
			return r.refresher.Run(gctx, credentialsusecase.DefaultRefreshInterval)
		})
	}

	if addr := r.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics.Handler())
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.mu.Lock()
		r.metricSrv = srv
		r.mu.Unlock()

		g.Go(func() error {
			r.logger.Info("metrics: listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop releases everything Start acquired. Safe to call more than once.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		if r.client != nil {
			if err := r.client.Close(); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("runtime: closing client", "error", err)
			}
		}
		r.mu.RLock()
		srv := r.metricSrv
		r.mu.RUnlock()
		if srv != nil {
			_ = srv.Close()
		}
		if r.store != nil {
			if err := r.store.Close(); err != nil {
				r.logger.Warn("runtime: closing token store", "error", err)
			}
		}
	})
}

func (r *Runtime) setPhase(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p > r.phase {
		r.phase = p
	}
}

func (r *Runtime) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// Report is the outcome of channel activation.
func (r *Runtime) Report() app.Report { return r.report }

// Features lists the installed feature names in install order.
func (r *Runtime) Features() []string { return append([]string(nil), r.features...) }

func (r *Runtime) Bus() *events.Bus { return r.bus }

// Logger is the logger built from the loaded config, or the injected one.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

func (r *Runtime) Channels() []app.ChannelState {
	if r.orchestrator == nil {
		return nil
	}
	return r.orchestrator.States()
}
