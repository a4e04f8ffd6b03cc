// Command aetherlinkd is the AetherLink control-plane daemon: it wires
// identity, trust, replay, candidate resolution, and dial coordination
// into a session engine, listens for inbound QUIC connections, and
// exposes the session API (§6) over a local HTTP+websocket surface. The
// media/input/file-transfer rides on top of an established session and is
// out of this repo's scope (§1); this binary only ever drives sessions to
// Active and back.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"aetherlink/internal/api"
	"aetherlink/internal/candidate"
	"aetherlink/internal/config"
	"aetherlink/internal/dial"
	"aetherlink/internal/handshake"
	"aetherlink/internal/identity"
	"aetherlink/internal/metrics"
	"aetherlink/internal/pprofutil"
	"aetherlink/internal/replay"
	"aetherlink/internal/session"
	"aetherlink/internal/transport/quichost"
	"aetherlink/internal/trust"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("aetherlinkd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", defaultHome(), "state directory (identity, trust store)")
	configPath := fs.String("config", "", "path to aetherlink.toml (optional)")
	listenAddr := fs.String("listen", "/ip4/0.0.0.0/udp/9901/quic-v1", "QUIC listen multiaddr")
	httpAddr := fs.String("http", "127.0.0.1:8787", "session API listen address")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	log := logrus.New()
	log.SetOutput(stderr)
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		entry.WithError(err).Error("config load failed")
		return 1
	}
	if cfg.Log.Level != "" {
		if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
			log.SetLevel(lvl)
		}
	}
	if cfg.Log.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.Identity.Home != "" {
		*home = cfg.Identity.Home
	}
	if cfg.Listen.Multiaddr != "" {
		*listenAddr = cfg.Listen.Multiaddr
	}

	if err := pprofutil.StartFromEnv(entry.WithField("component", "pprof")); err != nil {
		entry.WithError(err).Warn("pprof not started")
	}

	id, err := identity.LoadOrCreate(*home)
	if err != nil {
		entry.WithError(err).WithField("kind", "IdentityLoad").Error("failed to load or create identity")
		return 1
	}
	entry = entry.WithField("device", id.DeviceCode())
	entry.Info("identity loaded")

	trustPath := cfg.Trust.Path
	if trustPath == "" {
		trustPath = filepath.Join(*home, "trust.json")
	}
	trustStore, err := trust.Open(trustPath, trust.Options{TrustOnFirstUse: cfg.Trust.TrustOnFirstUse})
	if err != nil {
		entry.WithError(err).WithField("kind", "TrustStoreIO").Error("failed to open trust store")
		return 1
	}

	replayCache := replay.New(replay.Options{})
	hs := handshake.New(id, trustStore, replayCache)

	host, err := quichost.NewHost(id, quichost.Options{
		MaxConnsPerIP:   cfg.Listen.MaxConnsPerIP,
		MaxStreamsPerIP: cfg.Listen.MaxStreamsPerIP,
		Bootstrap:       cfg.Listen.Bootstrap,
		Log:             entry,
	})
	if err != nil {
		entry.WithError(err).Error("failed to build quic host")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := host.Listen(ctx, *listenAddr); err != nil {
		entry.WithError(err).Error("failed to listen")
		return 1
	}
	entry.WithField("addr", *listenAddr).Info("listening")

	pool := candidate.NewPool(0, 0)
	resolver := candidate.NewResolver(host, pool, entry)
	if ms := cfg.Dial.DHTLookupIntervalMS; ms > 0 {
		resolver.LookupInterval = config.Millis(ms)
	}
	if ms := cfg.Dial.DHTRepublishIntervalMS; ms > 0 {
		resolver.RepublishInterval = config.Millis(ms)
	}
	dialer := dial.New(host, entry)
	reg := session.NewRegistry()
	m := metrics.New()

	engineCfg := session.EngineConfig{
		DiscoveryTimeout:      config.Millis(cfg.Session.DiscoveryTimeoutMS),
		SessionRequestTimeout: config.Millis(cfg.Session.SessionRequestTimeoutMS),
		SessionRequestRetries: cfg.Session.SessionRequestMaxRetries,
		ReconnectBudget:       config.Millis(cfg.Session.ReconnectBudgetMS),
		KeepaliveInterval:     config.Millis(cfg.Session.KeepaliveIntervalMS),
		KeepaliveMissThreshold: cfg.Session.KeepaliveMissThreshold,
		RequestedCapabilities:  cfg.Session.RequestedCapabilities,
	}
	engine := session.NewEngine(host, id, trustStore, hs, pool, resolver, dialer, reg, engineCfg, entry, m)

	go engine.Run(ctx)
	go resolver.PublishSelf(ctx, id.DeviceCode(), []string{*listenAddr})
	go logEvents(ctx, reg.Subscribe(), entry)

	srv := api.NewServer(engine, entry)
	httpSrv := &http.Server{
		Addr:              *httpAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		entry.WithField("addr", *httpAddr).Info("session API listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Error("session API server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	entry.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	engine.Stop()
	_ = host.Shutdown()
	cancel()
	return 0
}

// logEvents is a minimal subscriber that structured-logs every registry
// event, a stand-in for the richer desktop/daemon-IPC consumer this
// spec treats as external (§1).
func logEvents(ctx context.Context, events <-chan session.Event, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fields := logrus.Fields{
				"session_id": ev.SessionID,
				"peer":       ev.PeerDeviceCode,
				"type":       ev.Type,
			}
			switch ev.Type {
			case session.EventStateChanged:
				fields["from"], fields["to"] = ev.From, ev.To
				log.WithFields(fields).Debug("session state changed")
			case session.EventHandshakeFailed:
				fields["kind"] = ev.Kind
				log.WithFields(fields).Warn("handshake failed")
			case session.EventPathChosen:
				fields["path"] = ev.Path
				log.WithFields(fields).Info("path chosen")
			case session.EventClosed:
				fields["reason"] = ev.Reason
				log.WithFields(fields).Info("session closed")
			default:
				log.WithFields(fields).Debug("session event")
			}
		}
	}
}

func defaultHome() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ".aetherlink"
	}
	return filepath.Join(h, ".aetherlink")
}
