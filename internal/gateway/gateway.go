// ABOUTME: Gateway orchestrator that coordinates the HTTP API and gRPC health servers
// ABOUTME: Wires store, coordinator, broker, config reload and metrics into one lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/handover-gateway/internal/auth"
	"github.com/2389/handover-gateway/internal/broker"
	"github.com/2389/handover-gateway/internal/config"
	"github.com/2389/handover-gateway/internal/conversation"
	"github.com/2389/handover-gateway/internal/dedupe"
	"github.com/2389/handover-gateway/internal/handover"
	"github.com/2389/handover-gateway/internal/hours"
	"github.com/2389/handover-gateway/internal/store"
)

// Gateway orchestrates the handover-gateway server components.
type Gateway struct {
	config      *config.Config
	configPath  string
	store       store.OwnershipStore
	policy      *hours.Holder
	broadcaster *conversation.Broadcaster
	coordinator *handover.Coordinator
	verifier    *auth.JWTVerifier
	broker      *broker.Client
	telemetry   *telemetry
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance; it is the broker producer id
	serverID string

	// dedupe drops redelivered inbound messages
	dedupe *dedupe.Cache

	// stopBackground cancels the broker consumer and config watcher
	stopBackground context.CancelFunc

	now func() time.Time
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithConfigPath enables hot reload of business hours from the file at path.
func WithConfigPath(path string) Option {
	return func(g *Gateway) { g.configPath = path }
}

// WithClock replaces time.Now for auto-reply decisions, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	gw, err := newGateway(cfg, s, logger, opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway assembles a gateway around an already opened store.
func newGateway(cfg *config.Config, s store.OwnershipStore, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := cfg.BusinessHours.Policy()
	if err != nil {
		return nil, fmt.Errorf("business hours: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	tel, err := newTelemetry(cfg.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}
	metrics, err := handover.NewMetrics(tel.meter)
	if err != nil {
		return nil, fmt.Errorf("creating instruments: %w", err)
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		policy:      hours.NewHolder(policy),
		broadcaster: conversation.NewBroadcaster(logger.With("component", "broadcaster")),
		verifier:    verifier,
		telemetry:   tel,
		logger:      logger.With("component", "gateway"),
		serverID:    generateServerID(),
		dedupe:      dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(gw)
	}

	coordOpts := []handover.Option{
		handover.WithMetrics(metrics),
		handover.WithWriteTimeout(cfg.Store.WriteTimeout),
	}
	if cfg.Broker.Enabled {
		client, err := broker.NewClient(context.Background(), broker.Config{
			URL:         cfg.Broker.URL,
			Exchange:    cfg.Broker.Exchange,
			ConnTimeout: cfg.Broker.ConnTimeout,
			InstanceID:  gw.serverID,
		}, logger)
		if err != nil {
			gw.closeOptionalComponents()
			return nil, fmt.Errorf("connecting broker: %w", err)
		}
		gw.broker = client
		coordOpts = append(coordOpts, handover.WithPublisher(client))
	}
	gw.coordinator = handover.NewCoordinator(s, gw.policy, gw.broadcaster, logger, coordOpts...)

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = createGRPCServer()
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	if tel.reader != nil {
		mux.HandleFunc("GET /metrics", gw.handleMetrics)
	}

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway assembled",
		"server_id", gw.serverID,
		"business_hours", policyString(policy),
		"broker", cfg.Broker.Enabled,
		"metrics", cfg.Metrics.Enabled,
	)
	return gw, nil
}

// createGRPCServer builds the gRPC server that carries the standard health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// HealthServiceName is the gRPC health service name reported for the ownership API.
const HealthServiceName = "handover.Ownership"

// Coordinator exposes the handover facade, for embedding callers.
func (g *Gateway) Coordinator() *handover.Coordinator {
	return g.coordinator
}

// setupListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
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

// startBackground runs the broker consumer and the config watcher until
// Shutdown or ctx cancellation.
func (g *Gateway) startBackground(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	g.stopBackground = cancel

	if g.broker != nil {
		go func() {
			if err := g.broker.Consume(bgCtx, g.broadcaster); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("broker consumer exited", "error", err)
			}
		}()
	}

	if g.configPath != "" {
		w := config.NewWatcher(g.configPath, g.logger)
		if err := w.Start(bgCtx); err != nil {
			g.logger.Warn("config hot reload disabled", "path", g.configPath, "error", err)
			return
		}
		go func() {
			for ev := range w.Events() {
				g.reloadPolicy(ev)
			}
		}()
	}
}

// reloadPolicy re-reads the config file and swaps the business hours policy.
// A file that fails to load or validate leaves the current policy in place.
func (g *Gateway) reloadPolicy(ev config.ReloadEvent) {
	cfg, err := config.Load(ev.Path)
	if err != nil {
		g.logger.Warn("config reload failed, keeping current business hours", "path", ev.Path, "error", err)
		return
	}
	p, err := cfg.BusinessHours.Policy()
	if err != nil {
		g.logger.Warn("invalid business hours in reloaded config, keeping current", "error", err)
		return
	}
	prev := g.policy.Replace(p)
	g.logger.Info("business hours reloaded",
		"previous", policyString(prev),
		"current", policyString(p),
	)
}

func policyString(p *hours.Policy) string {
	if p == nil {
		return "always open"
	}
	return p.String()
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

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	g.startBackground(ctx)
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeOptionalComponents closes optional components that may be nil.
func (g *Gateway) closeOptionalComponents() {
	if g.stopBackground != nil {
		g.stopBackground()
	}
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)
	g.closeOptionalComponents()

	if g.broker != nil {
		errs = appendCloseError(errs, "broker close", g.broker.Close())
	}
	errs = appendCloseError(errs, "metrics shutdown", g.telemetry.shutdown(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readinessProbeKey is read, never written, to check the store answers.
const readinessProbeKey = "_readiness_probe"

// handleReady returns 200 OK when the store answers and, if enabled, the
// broker connection is up.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	_, err := g.store.GetOwnership(ctx, readinessProbeKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("readiness probe failed", "error", err)
		g.setGRPCStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if g.broker != nil && !g.broker.Connected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("broker disconnected"))
		return
	}
	g.setGRPCStatus(healthpb.HealthCheckResponse_SERVING)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (g *Gateway) setGRPCStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	if g.health != nil {
		g.health.SetServingStatus(HealthServiceName, status)
	}
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "handover-gateway-" + uuid.NewString()[:8]
}
