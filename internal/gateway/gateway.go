// ABOUTME: Gateway orchestrator that wires the archive, session, and stream components
// ABOUTME: Runs the HTTP and gRPC health servers on TCP or tailnet listeners

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/kewe/archive-gateway/internal/auth"
	"github.com/kewe/archive-gateway/internal/config"
	"github.com/kewe/archive-gateway/internal/conversation"
	"github.com/kewe/archive-gateway/internal/dedupe"
	"github.com/kewe/archive-gateway/internal/metrics"
	"github.com/kewe/archive-gateway/internal/router"
	"github.com/kewe/archive-gateway/internal/session"
	"github.com/kewe/archive-gateway/internal/store"
	"github.com/kewe/archive-gateway/internal/stream"
)

// tailnetGRPCPort is the gRPC health port on the tailnet node.
const tailnetGRPCPort = ":50051"

// Gateway owns every long-lived component of archive-gateway.
type Gateway struct {
	config   *config.Config
	store    store.ArchiveStore
	registry *session.Registry
	router   *router.Router
	history  *conversation.History
	dedupe   *dedupe.Cache
	metrics  *metrics.Metrics
	verifier *auth.JWTVerifier
	stream   *stream.Server

	httpServer  *http.Server
	grpcServer  *grpc.Server // nil when gRPC health is disabled
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the archive store selected by cfg.Database.Driver.
// ARCHIVE_DB_PATH overrides the sqlite path.
func initStore(ctx context.Context, cfg *config.Config) (store.ArchiveStore, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	case config.DriverSQLite, "":
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("ARCHIVE_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// grpcEnabled reports whether the gRPC health server should run.
func grpcEnabled(cfg *config.Config) bool {
	return cfg.Tailscale.Enabled || cfg.Server.GRPCAddr != ""
}

// New creates a Gateway from cfg. The store is opened immediately; nothing
// listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s, err := initStore(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	registry := session.NewRegistry(logger)
	registry.OnChange(m.SetSessions)

	r := router.New(logger)
	removal := conversation.NewRemovalHandler(conversation.RemovalConfig{
		Sessions: registry,
		Store:    s,
		Logger:   logger,
		Metrics:  m,
	})
	if err := r.Register(removal); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("registering removal handler: %w", err)
	}

	relay := conversation.NewRelay(conversation.RelayConfig{
		Store:      s,
		Recipients: registry,
		Logger:     logger,
		Metrics:    m,
	})

	dedupeCache := dedupe.New(cfg.Stream.DedupeTTL, cfg.Stream.DedupeMax)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: registry,
		router:   r,
		history:  conversation.NewHistory(s),
		dedupe:   dedupeCache,
		metrics:  m,
		verifier: verifier,
		health:   health.NewServer(),
		logger:   logger.With("component", "gateway"),
	}

	gw.stream = stream.NewServer(stream.Config{
		Domain:       cfg.Server.Domain,
		Verifier:     verifier,
		Registry:     registry,
		Router:       r,
		Relay:        relay,
		Dedupe:       dedupeCache,
		Metrics:      m,
		Logger:       logger,
		PingInterval: cfg.Stream.PingInterval,
		ReadTimeout:  cfg.Stream.ReadTimeout,
		MaxFrameSize: cfg.Stream.MaxFrameSize,
	})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if grpcEnabled(cfg) {
		gw.grpcServer = newGRPCServer(gw.health)
	}

	gw.logger.Info("gateway initialized",
		"domain", cfg.Server.Domain,
		"driver", cfg.Database.Driver,
		"features", r.Features(),
	)
	return gw, nil
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	authMiddleware := auth.HTTPAuthMiddleware(g.verifier)
	mux.Handle("/api/archive/", authMiddleware(http.HandlerFunc(g.handleArchive)))

	// The stream endpoint authenticates during the handshake itself
	mux.Handle("/xmpp-websocket", g.stream)

	if g.config.Metrics.Enabled {
		return g.metrics.Middleware(mux)
	}
	return mux
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when gRPC
// health is disabled.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	markServing(g.health)

	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context, since the Run
// context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "archive-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks funnel, TLS from cert files, or plain HTTP.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading tailscale TLS certificate: %w", err)
		}
		g.logger.Info("enabling HTTPS on :443", "cert_file", tsCfg.CertFile)
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown reports NOT_SERVING, closes every stream, stops the servers, and
// releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.health.Shutdown()

	var errs []error
	// Hijacked WebSocket connections are not tracked by http.Server.
	errs = appendCloseError(errs, "stream shutdown", g.stream.Shutdown(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.grpcServer != nil {
		shutdownGRPCServer(ctx, g.grpcServer)
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.dedupe.Close()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
