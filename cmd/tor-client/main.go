package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veilnet/artic/chanmgr"
	"github.com/veilnet/artic/circmgr"
	"github.com/veilnet/artic/circuit"
	"github.com/veilnet/artic/config"
	"github.com/veilnet/artic/descriptor"
	"github.com/veilnet/artic/directory"
	"github.com/veilnet/artic/dirmgr"
	"github.com/veilnet/artic/hspool"
	"github.com/veilnet/artic/onion"
	"github.com/veilnet/artic/pathselect"
	"github.com/veilnet/artic/socks"
	"github.com/veilnet/artic/torruntime"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== Daphne Tor Client %s ===\n", Version)
	fmt.Println()

	cfg, err := config.Load("config.toml")
	if err != nil {
		logger.Warn("no usable config.toml, using built-in defaults", "error", err)
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	rt := torruntime.Real{}
	cache := &directory.Cache{Dir: directory.DefaultCacheDir()}

	dirMgr := dirmgr.New(cache, logger)
	if pre, perr := cfg.PreValidToleranceDuration(); perr == nil {
		if post, perr2 := cfg.PostValidToleranceDuration(); perr2 == nil {
			dirMgr.SetTolerances(pre, post)
		}
	}

	fmt.Println("Bootstrapping directory...")
	if err := dirMgr.Bootstrap(ctx, 10); err != nil {
		fmt.Printf("  Bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	nd := dirMgr.NetDir()
	fmt.Printf("  %s\n", nd)

	chanMgr := chanmgr.New(logger)

	maxDirty, err := cfg.MaxDirtinessDuration()
	if err != nil {
		logger.Warn("bad circuit_timing.max_dirtiness, using 10m", "error", err)
		maxDirty = 10 * time.Minute
	}
	maxLifetime, err := cfg.MaxLifetimeDuration()
	if err != nil {
		logger.Warn("bad circuit_timing.max_lifetime, using 1h", "error", err)
		maxLifetime = time.Hour
	}

	buildFunc := circmgr.NewProductionBuildFunc(chanMgr, dirMgr.NetDir, cfg.FamilyRules(), logger)
	circMgr := circmgr.New(buildFunc, rt, maxDirty, maxLifetime, logger)

	hsPool := hspool.New(circMgr, rt, logger)
	rt.Spawn(func() { hsPool.Run(ctx, 30*time.Second) })
	rt.Spawn(func() { runPreemptiveBuilder(ctx, rt, circMgr, cfg, logger) })
	rt.Spawn(func() { dirMgr.RunRefresh(ctx, hsPool.OnNetDirChanged) })

	runSOCKSProxy(ctx, cfg, circMgr, chanMgr, hsPool, dirMgr.NetDir, logger)
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("tor-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// runPreemptiveBuilder keeps circMgr's exit-purpose pool topped up per
// config's preemptive_circuits options, so a SOCKS CONNECT rarely pays full
// circuit-build latency on its own critical path. It stops warming once
// disable_at_threshold idle circuits are already pooled and simply logs and
// backs off to the next tick on a build failure rather than spinning.
func runPreemptiveBuilder(ctx context.Context, rt torruntime.Runtime, cm *circmgr.CircMgr, cfg *config.Config, logger *slog.Logger) {
	threshold := cfg.PreemptiveCircuits.DisableAtThreshold
	target := cfg.PreemptiveCircuits.MinExitCircsForPort
	for {
		if cm.PoolLen(circmgr.PurposeExit) < threshold {
			if err := cm.Warm(ctx, circmgr.PurposeExit, target); err != nil {
				logger.Warn("preemptive circuit build failed", "error", err)
			}
		}
		if err := rt.Sleep(ctx, 30*time.Second); err != nil {
			return
		}
	}
}

func runSOCKSProxy(
	ctx context.Context,
	cfg *config.Config,
	cm *circmgr.CircMgr,
	chanMgr *chanmgr.ChanMgr,
	hsPool *hspool.Pool,
	nd circmgr.NetDirSource,
	logger *slog.Logger,
) {
	socksAddr := "127.0.0.1:9050"
	fmt.Printf("\nStarting SOCKS proxy on %s...\n", socksAddr)

	cb := &circuitBuilder{ctx: ctx, chanMgr: chanMgr, hsPool: hsPool, nd: nd, rules: cfg.FamilyRules(), logger: logger}
	hsHTTPClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:    &tls.Config{InsecureSkipVerify: true},
			DisableCompression: true,
		},
	}

	srv := &socks.Server{
		Addr:   socksAddr,
		Logger: logger,
		GetReactor: func() (*circuit.Reactor, error) {
			return cm.GetOrLaunchExit(ctx, circmgr.PurposeExit)
		},
		OnionHandler: func(onionAddr string, port uint16) (io.ReadWriteCloser, error) {
			dir := nd()
			if dir == nil {
				return nil, fmt.Errorf("directory not bootstrapped")
			}
			return onion.ConnectOnionService(onionAddr, port, dir.Consensus(), hsHTTPClient, cb, logger)
		},
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	fmt.Println("Ready. Use: curl --socks5-hostname 127.0.0.1:9050 http://example.com")
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("SOCKS server error: %v\n", err)
	}
}

// circuitBuilder implements onion.CircuitBuilder. Building the rendezvous
// circuit (target == nil) first tries to pull a ready-made stub circuit
// from hsPool — itself drawing from circMgr/chanMgr — falling back to a
// direct build only when the pool can't supply one in time. Building a
// circuit that must end in a specific introduction point (target != nil)
// always builds fresh, since the final hop is dictated by the caller and
// can't come from a generic pool, but still leases its guard channel
// through chanMgr so it shares a link with any other circuit already open
// to the same guard.
type circuitBuilder struct {
	ctx     context.Context
	chanMgr *chanmgr.ChanMgr
	hsPool  *hspool.Pool
	nd      circmgr.NetDirSource
	rules   pathselect.FamilyRules
	logger  *slog.Logger
}

func (cb *circuitBuilder) BuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	if target == nil {
		if r, err := cb.hsPool.Take(cb.ctx); err == nil {
			raw := r.Circuit()
			return &onion.BuiltCircuit{Circuit: raw, LinkCloser: raw.Link, LastHop: r.LastHop()}, nil
		} else {
			cb.logger.Warn("hs stub pool unavailable, building rendezvous circuit directly", "error", err)
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		built, err := cb.tryBuildCircuit(target)
		if err != nil {
			cb.logger.Warn("circuit build attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return built, nil
	}
	return nil, fmt.Errorf("failed to build circuit after 3 attempts")
}

func (cb *circuitBuilder) tryBuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	dir := cb.nd()
	if dir == nil {
		return nil, fmt.Errorf("directory not bootstrapped")
	}
	consensus := dir.Consensus()

	var guard, middle *directory.Relay
	var lastHopRelay *directory.Relay

	if target != nil {
		// Guard/middle still need a path-selection-compliant exit to exclude
		// against even though target, not a selected exit, becomes hop 3.
		exit, err := pathselect.SelectExit(consensus)
		if err != nil {
			return nil, fmt.Errorf("select exit for path: %w", err)
		}
		g, err := pathselect.SelectGuardWithRules(consensus, exit, cb.rules)
		if err != nil {
			return nil, fmt.Errorf("select guard: %w", err)
		}
		m, err := pathselect.SelectMiddleWithRules(consensus, g, exit, cb.rules)
		if err != nil {
			return nil, fmt.Errorf("select middle: %w", err)
		}
		guard, middle = g, m
	} else {
		path, err := pathselect.SelectPathWithRules(consensus, cb.rules)
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}
		guard = &path.Guard
		middle = &path.Middle
		lastHopRelay = &path.Exit
	}

	guardInfo := relayInfoFromConsensus(guard)
	l, err := cb.chanMgr.GetOrLaunch(cb.ctx, guardInfo)
	if err != nil {
		return nil, fmt.Errorf("lease guard channel: %w", err)
	}

	c, err := circuit.Create(l, guardInfo, cb.logger)
	if err != nil {
		return nil, fmt.Errorf("circuit create: %w", err)
	}

	middleInfo := relayInfoFromConsensus(middle)
	if err := c.Extend(middleInfo, cb.logger); err != nil {
		_ = c.Destroy()
		return nil, fmt.Errorf("extend to middle: %w", err)
	}

	var lastHopInfo *descriptor.RelayInfo
	if target != nil {
		lastHopInfo = target
	} else {
		lastHopInfo = relayInfoFromConsensus(lastHopRelay)
	}
	if err := c.Extend(lastHopInfo, cb.logger); err != nil {
		_ = c.Destroy()
		return nil, fmt.Errorf("extend to last hop: %w", err)
	}

	cb.logger.Info("onion circuit built", "circID", fmt.Sprintf("0x%08x", c.ID))
	return &onion.BuiltCircuit{Circuit: c, LinkCloser: c.Link, LastHop: lastHopInfo}, nil
}

func relayInfoFromConsensus(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
	}
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
