// lispd daemon -- LISP (RFC 9300/9301) mobile-node egress data plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/lispd/internal/config"
	"github.com/dantte-lp/lispd/internal/lisp"
	lispmetrics "github.com/dantte-lp/lispd/internal/metrics"
	"github.com/dantte-lp/lispd/internal/netio"
	"github.com/dantte-lp/lispd/internal/server"
	appversion "github.com/dantte-lp/lispd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("lispd starting",
		slog.String("version", appversion.Version),
		slog.String("grpc_addr", cfg.GRPC.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("underlay_device", cfg.Underlay.Device),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := lispmetrics.NewCollector(reg)

	daemonCtx, err := newDaemon(cfg, collector, logger)
	if err != nil {
		logger.Error("failed to initialize lisp daemon", slog.String("error", err.Error()))
		return 1
	}
	defer daemonCtx.close(logger)

	if err := runServers(cfg, daemonCtx, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("lispd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("lispd stopped")
	return 0
}

// lispDaemon bundles the runtime objects constructed once at startup and
// torn down at shutdown: the tun device, the raw underlay sockets, the
// map-cache/dispatcher/engine trio, and the local EID database (the
// latter two swappable in place on SIGHUP reload).
type lispDaemon struct {
	tun      *netio.TUNDevice
	underlay *netio.RawUnderlay
	dispatch *lisp.Dispatcher
	mapCache *lisp.MapCache
	localDB  *lisp.StaticLocalEIDDatabase
	engine   *lisp.Engine
}

// newDaemon builds every runtime object a lispDaemon needs from cfg:
// opens the tun device and raw sockets, constructs the map-cache and
// dispatcher, and loads the configured local EIDs and static mappings.
func newDaemon(cfg *config.Config, collector *lispmetrics.Collector, logger *slog.Logger) (*lispDaemon, error) {
	tun, err := netio.OpenTUN(cfg.Underlay.Device)
	if err != nil {
		return nil, fmt.Errorf("open tun device %s: %w", cfg.Underlay.Device, err)
	}

	v4src, v6src, err := cfg.TunnelAddrs()
	if err != nil {
		_ = tun.Close()
		return nil, fmt.Errorf("parse tunnel addresses: %w", err)
	}

	underlay, err := netio.NewRawUnderlay(v4src, v6src)
	if err != nil {
		_ = tun.Close()
		return nil, fmt.Errorf("open raw underlay: %w", err)
	}

	petrV4, petrV6, err := cfg.PETRAddrs()
	if err != nil {
		_ = underlay.Close()
		_ = tun.Close()
		return nil, fmt.Errorf("parse petr addresses: %w", err)
	}

	localPrefixes, err := parsePrefixes(cfg.LocalEIDs)
	if err != nil {
		_ = underlay.Close()
		_ = tun.Close()
		return nil, fmt.Errorf("parse local eids: %w", err)
	}
	localDB := lisp.NewStaticLocalEIDDatabase(localPrefixes)

	dispatch := lisp.NewDispatcher()
	mapCache := lisp.NewMapCache(logger, dispatch)

	engine := lisp.NewEngine(lisp.EngineConfig{
		Log:      logger,
		MapCache: mapCache,
		Dispatch: dispatch,
		LocalEID: localDB,
		Underlay: underlay,
		Metrics:  engineMetricsAdapter{collector},
		PETR: lisp.PETRConfig{
			V4: petrV4,
			V6: petrV6,
		},
		RetryCfg:   retryConfigFromMapCacheConfig(cfg.MapCache),
		SendMapReq: sendMapRequestStub(collector, logger),
		DataPort:   cfg.Underlay.DataPort,
	})

	if err := loadStaticMaps(cfg.StaticMaps, mapCache, logger); err != nil {
		_ = underlay.Close()
		_ = tun.Close()
		return nil, fmt.Errorf("load static maps: %w", err)
	}

	return &lispDaemon{
		tun:      tun,
		underlay: underlay,
		dispatch: dispatch,
		mapCache: mapCache,
		localDB:  localDB,
		engine:   engine,
	}, nil
}

func (d *lispDaemon) close(logger *slog.Logger) {
	if err := d.underlay.Close(); err != nil {
		logger.Warn("failed to close raw underlay", slog.String("error", err.Error()))
	}
	if err := d.tun.Close(); err != nil {
		logger.Warn("failed to close tun device", slog.String("error", err.Error()))
	}
}

// engineMetricsAdapter adapts lispmetrics.Collector's named counters to
// the lisp.Metrics interface the engine's decision and resolution paths
// call.
type engineMetricsAdapter struct {
	c *lispmetrics.Collector
}

func (a engineMetricsAdapter) IncNative()               { a.c.IncPacketsNative() }
func (a engineMetricsAdapter) IncEncapsulated()         { a.c.IncPacketsEncapsulated() }
func (a engineMetricsAdapter) IncPETR()                 { a.c.IncPacketsPETR() }
func (a engineMetricsAdapter) IncDropped(reason string) { a.c.IncPacketsDropped(reason) }

func (a engineMetricsAdapter) SetMapCacheEntries(state string, count float64) {
	a.c.SetMapCacheEntries(state, count)
}
func (a engineMetricsAdapter) IncRetriesExhausted() { a.c.IncRetriesExhausted() }
func (a engineMetricsAdapter) IncSMR()              { a.c.IncSMR() }

// sendMapRequestStub returns the engine's upward Map-Request callback.
// The Map-Request/Map-Reply wire exchange with a map resolver is an
// external, out-of-process concern for this daemon (no map resolver
// address exists in config); this stub only counts the request and logs
// it, leaving every entry that needs a reply to eventually retry or go
// negative on its own retry budget.
func sendMapRequestStub(collector *lispmetrics.Collector, logger *slog.Logger) lisp.SendMapRequestFunc {
	return func(requestedEID netip.Prefix, sourceEID netip.Addr, nonce uint32) {
		collector.IncMapRequests()
		logger.Debug("map-request would be sent",
			slog.String("requested_eid", requestedEID.String()),
			slog.String("source_eid", sourceEID.String()),
			slog.Uint64("nonce", uint64(nonce)),
		)
	}
}

func retryConfigFromMapCacheConfig(c config.MapCacheConfig) lisp.RetryConfig {
	return lisp.RetryConfig{
		MaxRetries:              c.MaxRetries,
		MaxNoncesPerRequest:     c.MaxNoncesPerRequest,
		BackoffBase:             c.BackoffBase,
		BackoffFactor:           c.BackoffFactor,
		BackoffCap:              c.BackoffCap,
		NegativeTTL:             c.NegativeTTL,
		NegativeTTLOnExhaustion: c.NegativeTTLOnExhaustion,
		SMRInvMaxDelay:          c.SMRInvMaxDelay,
	}
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("parse prefix %q: %w", s, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// loadStaticMaps inserts every configured static mapping into mapCache.
// Called at startup and on every SIGHUP reload; re-inserting an
// unchanged prefix is a no-op refresh of the same Mapping.
func loadStaticMaps(maps []config.StaticMapping, mapCache *lisp.MapCache, logger *slog.Logger) error {
	for _, sm := range maps {
		pfx, err := sm.EIDNetPrefix()
		if err != nil {
			return fmt.Errorf("static mapping eid prefix: %w", err)
		}

		mapping := lisp.Mapping{InstanceID: sm.InstanceID}
		for _, loc := range sm.Locators {
			addr, err := netip.ParseAddr(loc.RLOC)
			if err != nil {
				return fmt.Errorf("static mapping %s locator %q: %w", pfx, loc.RLOC, err)
			}
			l := lisp.Locator{RLOC: addr, Priority: loc.Priority, Weight: loc.Weight}
			if addr.Is4() {
				mapping.Locators4 = append(mapping.Locators4, l)
			} else {
				mapping.Locators6 = append(mapping.Locators6, l)
			}
		}

		if _, _, err := mapCache.Insert(pfx, mapping, lisp.HowLearnedStatic); err != nil {
			return fmt.Errorf("insert static mapping %s: %w", pfx, err)
		}
		logger.Debug("loaded static mapping",
			slog.String("prefix", pfx.String()),
			slog.Uint64("instance_id", uint64(sm.InstanceID)),
			slog.Int("locators", mapping.LocatorCount()),
		)
	}
	return nil
}

// runServers sets up and runs the tun read loop, dispatch timer loop,
// gRPC and metrics HTTP servers, and daemon goroutines using an
// errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	d *lispDaemon,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	grpcSrv := newGRPCServer(cfg.GRPC, d.engine, logger)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	recv := netio.NewTUNReceiver(d.engine, logger)
	g.Go(func() error {
		return recv.Run(gCtx, d.tun)
	})

	g.Go(func() error {
		return runDispatchLoop(gCtx, d.dispatch, d.engine)
	})

	startHTTPServers(gCtx, g, cfg, grpcSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, d, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, grpcSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// runDispatchLoop drains due entry timers (retries, negative-TTL
// expiry, SMR-triggered re-requests) whenever the dispatcher's next
// deadline arrives, until ctx is cancelled.
func runDispatchLoop(ctx context.Context, dispatch *lisp.Dispatcher, engine *lisp.Engine) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-dispatch.C():
			engine.FireDue(now)
		}
	}
}

// startHTTPServers registers the gRPC and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	grpcSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPC.Addr))
		return listenAndServe(ctx, &lc, grpcSrv, cfg.GRPC.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	d *lispDaemon,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, d, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. Exits immediately if no watchdog is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + static map reconciliation
// -------------------------------------------------------------------------

// handleSIGHUP reloads configuration on every SIGHUP until ctx is
// cancelled: the dynamic log level and local EID set and static
// mappings are all refreshed in place without restarting the daemon.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	d *lispDaemon,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, d, logger)
		}
	}
}

// reloadConfig loads a fresh configuration, updates the dynamic log
// level, swaps in the new local EID prefix set, and re-inserts static
// mappings. Errors are logged but do not stop the daemon; the previous
// configuration remains in effect for anything that failed to parse.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	d *lispDaemon,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	if prefixes, err := parsePrefixes(newCfg.LocalEIDs); err != nil {
		logger.Error("invalid local_eids on reload, keeping previous set",
			slog.String("error", err.Error()))
	} else {
		d.localDB.Reload(prefixes)
	}

	if err := loadStaticMaps(newCfg.StaticMaps, d.mapCache, logger); err != nil {
		logger.Error("failed to apply static maps on reload", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, stops the flight recorder, and
// drains the HTTP servers. The tun device and raw underlay are closed
// separately by lispDaemon.close, deferred in run().
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newGRPCServer creates an HTTP server for the ConnectRPC control-plane
// endpoint, wrapped with h2c so plaintext HTTP/2 clients (e.g.
// lispdctl) can connect without TLS. Includes standard gRPC health
// checking (grpc.health.v1).
func newGRPCServer(cfg config.GRPCConfig, engine *lisp.Engine, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	path, handler := server.New(engine, logger,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)
	mux.Handle(path, handler)

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		"lispd.v1.LISPControlService",
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
