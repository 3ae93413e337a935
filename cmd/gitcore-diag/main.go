// Command gitcore-diag is the adaptive Git transport core's diagnostics
// binary. It loads configuration, wires the IP pool, the fake-SNI HTTPS
// subtransport, and the task registry into one process, registers the
// adaptive transport with go-git (it constructs no Git operation driver of
// its own), runs the preheat
// service in the background, and exposes the diagnostics HTTP server until
// it receives SIGTERM/SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adaptive-git/transport-core/internal/config"
	"github.com/adaptive-git/transport-core/internal/diag"
	"github.com/adaptive-git/transport-core/internal/events"
	"github.com/adaptive-git/transport-core/internal/fingerprint"
	"github.com/adaptive-git/transport-core/internal/githttp"
	"github.com/adaptive-git/transport-core/internal/ippool"
	"github.com/adaptive-git/transport-core/internal/tasks"
)

type runtimeFlags struct {
	ConfigPath     string
	IPConfigPath   string
	DiagAddr       string
	JWTPubKeyPath  string
	FingerprintLog string
	TaskStorePath  string
	LogLevel       string
}

func main() {
	var f runtimeFlags
	flag.StringVar(&f.ConfigPath, "config", "config.yaml", "Path to config.yaml")
	flag.StringVar(&f.IPConfigPath, "ip-config", "ip-config.json", "Path to ip-config.json (preheat domains, static IPs, CIDR lists)")
	flag.StringVar(&f.DiagAddr, "diag-addr", ":8090", "Diagnostics HTTP server listener address")
	flag.StringVar(&f.JWTPubKeyPath, "jwt-pubkey", "", "Path to PEM RSA public key for diagnostics JWT validation (optional)")
	flag.StringVar(&f.FingerprintLog, "cert-fp-log", "", "Path to the certificate fingerprint append-only log (optional)")
	flag.StringVar(&f.TaskStorePath, "task-store", "tasks.db", "Path to the task retention SQLite database")
	flag.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug | info | warn | error")
	flag.Parse()

	logger := newLogger(f.LogLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	ipCfg, err := config.LoadIPConfig(f.IPConfigPath)
	if err != nil {
		logger.Error("failed to load ip-config", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("gitcore-diag starting",
		slog.String("diag_addr", f.DiagAddr),
		slog.Bool("fake_sni_enabled", cfg.HTTP.FakeSNIEnabled),
		slog.Bool("ip_pool_enabled", cfg.IPPool.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()

	// ── Cert fingerprint recorder ──────────────────────────────────────────
	var recorder *fingerprint.Recorder
	if cfg.TLS.CertFPLogEnabled && f.FingerprintLog != "" {
		recorder, err = fingerprint.Open(f.FingerprintLog, cfg.TLS.CertFPMaxBytes, bus)
		if err != nil {
			logger.Error("failed to open cert fingerprint log", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("cert fingerprint logging enabled", slog.String("path", f.FingerprintLog))
	}

	// ── IP pool ────────────────────────────────────────────────────────────
	manager, preheater := buildIPPool(cfg, ipCfg, bus, logger)

	// ── Custom HTTPS subtransport ──────────────────────────────────────────
	var tlsTotal, verifyTotal atomic.Int64
	dialerCfg := githttp.Config{
		SANWhitelist:          cfg.TLS.SANWhitelist,
		HostAllowListExtra:    cfg.HTTP.HostAllowListExtra,
		SPKIPins:              cfg.TLS.SPKIPins,
		InsecureSkipVerify:    cfg.TLS.InsecureSkipVerify,
		SkipSANWhitelist:      cfg.TLS.SkipSANWhitelist,
		RealHostVerifyEnabled: cfg.TLS.RealHostVerifyEnabled,
		FakeSNIHosts:          cfg.HTTP.FakeSNIHosts,
	}
	dialer := githttp.NewDialer(dialerCfg, manager, recorder, bus, &tlsTotal, &verifyTotal)
	// By the time a request reaches dialTLSContext it has already been
	// routed here by urlrewrite.Decide, which applied the whitelist and
	// rollout-bucket gate once per request; policyAllowsFake only needs to
	// reflect the global toggle. auto_disable_fake_threshold_pct has no
	// runtime kill-switch wired in yet: it needs a total-attempts counter
	// alongside tlsTotal/verifyTotal to compute a failure rate, which
	// Dialer does not currently expose (see DESIGN.md).
	rt := githttp.NewRoundTripper(dialer, bus,
		func(host string) bool { return cfg.HTTP.FakeSNIEnabled },
		func() bool { return false },
	)
	githttp.Register(rt)

	// Registering the custom scheme here is what makes gitops.Driver's
	// clone/fetch/push usable by any embedding process in this binary:
	// gitcore-diag itself issues no Git operations, it only runs the
	// diagnostics server and preheat service over the shared Task Registry
	// and IP Pool Manager an embedding program drives via the tasks and
	// gitops packages directly.

	// ── Task registry + retention store ────────────────────────────────────
	registry := tasks.New(bus)
	store, err := tasks.Open(f.TaskStorePath)
	if err != nil {
		logger.Error("failed to open task store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	// ── Diagnostics HTTP server ─────────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if f.JWTPubKeyPath != "" {
		pubKey, err = loadRSAPublicKey(f.JWTPubKeyPath)
		if err != nil {
			logger.Error("failed to load JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("diagnostics JWT validation enabled")
	} else {
		logger.Warn("jwt-pubkey not configured; diagnostics mutating routes are unauthenticated (dev mode)")
	}

	diagSrv := diag.NewServer(registry, manager)
	httpServer := &http.Server{
		Addr:         f.DiagAddr,
		Handler:      diag.NewRouter(diagSrv, pubKey),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── Start background services ──────────────────────────────────────────
	if preheater != nil {
		go preheater.Run(ctx)
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics server listening", slog.String("addr", f.DiagAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("diagnostics server: %w", err)
		}
		close(httpErrCh)
	}()

	go pruneTaskStoreLoop(ctx, store, logger)

	// ── Wait for shutdown signal or fatal error ────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("diagnostics server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("diagnostics server shutdown error", slog.Any("error", err))
	}

	logger.Info("gitcore-diag exited cleanly")
}

// buildIPPool wires the cache, breaker, history, on-demand sampler, and
// preheat service from cfg/ipCfg. It returns a nil preheater when no
// preheat domains are configured.
func buildIPPool(cfg *config.AppConfig, ipCfg *config.IPConfig, bus *events.Bus, logger *slog.Logger) (*ippool.Manager, *ippool.Preheater) {
	cache := ippool.NewCache()
	breaker := ippool.NewBreaker(bus)

	var hist *ippool.History
	if cfg.IPPool.Sources.History && cfg.IPPool.HistoryPath != "" {
		hist = ippool.OpenHistory(cfg.IPPool.HistoryPath, logger)
	}

	collectorCfg := ippool.CollectorConfig{
		Sources:    cfg.IPPool.Sources,
		UserStatic: parseIPList(ipCfg.UserStaticIPs, logger),
		Blacklist:  parseCIDRList(ipCfg.Blacklist, logger),
		Whitelist:  parseCIDRList(ipCfg.Whitelist, logger),
	}

	probeTimeout := time.Duration(cfg.IPPool.ProbeTimeoutMs) * time.Millisecond
	sampler := ippool.BuildSampler(collectorCfg, systemResolver{}, hist, probeTimeout, cfg.IPPool.MaxParallelProbes)

	singleflightTimeout := time.Duration(cfg.IPPool.SingleflightTimeoutMs) * time.Millisecond
	manager := ippool.NewManager(cache, breaker, bus, sampler, singleflightTimeout)

	if !cfg.IPPool.Enabled || len(ipCfg.PreheatDomains) == 0 {
		return manager, nil
	}

	preheatSampler := ippool.BuildPreheatSampler(collectorCfg, systemResolver{}, hist, probeTimeout, cfg.IPPool.MaxParallelProbes)
	preheater := ippool.NewPreheater(ipCfg.PreheatDomains, 5*time.Minute, cfg.IPPool.MaxParallelProbes, preheatSampler, bus, logger)
	manager.SetPreheatSignal(preheater.RefreshSignal())
	return manager, preheater
}

// systemResolver adapts net.DefaultResolver.LookupIPAddr to ippool.Resolver.
type systemResolver struct{}

func (systemResolver) LookupIP(host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, err
}

func parseIPList(raw []string, logger *slog.Logger) []net.IP {
	out := make([]net.IP, 0, len(raw))
	for _, s := range raw {
		ip := net.ParseIP(s)
		if ip == nil {
			logger.Warn("ignoring invalid user_static IP", slog.String("value", s))
			continue
		}
		out = append(out, ip)
	}
	return out
}

func parseCIDRList(raw []string, logger *slog.Logger) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(raw))
	for _, s := range raw {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			logger.Warn("ignoring invalid CIDR entry", slog.String("value", s), slog.Any("error", err))
			continue
		}
		out = append(out, n)
	}
	return out
}

// pruneTaskStoreLoop deletes finished task rows older than 24h once an
// hour, until ctx is canceled.
func pruneTaskStoreLoop(ctx context.Context, store *tasks.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneOlderThan(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				logger.Warn("task store prune failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("pruned finished tasks", slog.Int64("count", n))
			}
		}
	}
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key at %q is not an RSA public key", path)
	}
	return rsaPub, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
