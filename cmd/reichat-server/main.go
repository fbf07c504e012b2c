// Command reichat-server hosts one collaborative paint-and-chat room.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"

	"github.com/kanreisa/reichat-server/internal/broker"
	"github.com/kanreisa/reichat-server/internal/config"
	"github.com/kanreisa/reichat-server/internal/httpd"
	"github.com/kanreisa/reichat-server/internal/ops"
	"github.com/kanreisa/reichat-server/internal/protocol"
	"github.com/kanreisa/reichat-server/internal/room"
	"github.com/kanreisa/reichat-server/internal/session"
	"github.com/kanreisa/reichat-server/internal/store"
)

const serverVersion = "2.3.0"

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON config file (environment overrides it)")
		debug      = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("reichat-server: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := config.NewLogger(cfg)

	serverID := uuid.NewString()
	logger.Info().
		Str("version", serverVersion).
		Str("serverId", serverID).
		Str("title", cfg.Title).
		Str("addr", cfg.Addr()).
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Str("dataMode", cfg.DataMode().String()).
		Msg("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := room.New(logger, serverID, protocol.ConfigInfo{
		Title:        cfg.Title,
		CanvasWidth:  cfg.CanvasWidth,
		CanvasHeight: cfg.CanvasHeight,
		LayerCount:   cfg.LayerCount,
		Version:      protocol.VersionInfo{Server: serverVersion, Client: cfg.ClientVersion},
	})

	// Broker link. A connect failure is not fatal: the room degrades to
	// single-host and keeps serving.
	var conn broker.Conn
	if cfg.BrokerEnabled() {
		if cfg.RedisHost != "" {
			conn, err = broker.NewRedis(ctx, broker.RedisOptions{
				Host:      cfg.RedisHost,
				Port:      cfg.RedisPort,
				Password:  cfg.RedisPassword,
				KeyPrefix: cfg.RedisKeyPrefix,
				Log:       logger,
			})
		} else {
			conn, err = broker.NewNATS(broker.NATSOptions{
				URL:       cfg.NATSURL,
				KeyPrefix: cfg.NATSKeyPrefix,
				Log:       logger,
			})
		}
		if err != nil {
			logger.Error().Err(err).Msg("broker unavailable, continuing single-host")
			conn = nil
		}
	}

	var peer *broker.Peer
	if conn != nil {
		peer = broker.NewPeer(broker.PeerOptions{
			ServerID: serverID,
			Conn:     conn,
			Handler:  engine,
			Log:      logger,
		})
		if err := peer.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("broker peer start failed, continuing single-host")
			peer = nil
		} else {
			engine.SetPublisher(peer)
		}
	}

	// Snapshot persistence. Broker mode stores layers in the broker's
	// key/value side and disables the filesystem entirely.
	var st *store.Store
	switch cfg.DataMode() {
	case config.DataModeBroker:
		if conn != nil {
			st = store.New(logger, store.NewKV(conn), engine, cfg.CanvasWidth, cfg.CanvasHeight, cfg.LayerCount)
		}
	case config.DataModeFS:
		backend, err := store.NewFS(cfg.DataDir, cfg.DataFilePrefix)
		if err != nil {
			logger.Fatal().Err(err).Str("dataDir", cfg.DataDir).Msg("cannot prepare data directory")
		}
		st = store.New(logger, backend, engine, cfg.CanvasWidth, cfg.CanvasHeight, cfg.LayerCount)
	}
	if st != nil {
		engine.OnLayerChange(st.MarkDirty)
	}

	engine.Start()

	// Startup gates on snapshot load: the room is ready only once every
	// layer is restored or confirmed absent.
	if st != nil {
		loadCtx, cancelLoad := context.WithTimeout(ctx, time.Minute)
		err := st.Load(loadCtx)
		cancelLoad()
		if err != nil {
			logger.Fatal().Err(err).Msg("snapshot load failed")
		}
		st.Start()
	}

	hub := session.NewHub(logger, engine, cfg.ForwardedHeaderType)

	public := httpd.New(logger, engine, hub, cfg.ClientDir)
	if err := public.Start(cfg.Addr()); err != nil {
		logger.Fatal().Err(err).Msg("cannot bind public listener")
	}

	var opsSrv *ops.Server
	if cfg.MetricsAddr != "" {
		var brokerUp func() bool
		if conn != nil {
			c := conn
			brokerUp = func() bool { return c.Ping(context.Background()) == nil }
		}
		opsSrv = ops.New(logger, engine, cfg.DataMode().String(), brokerUp)
		if err := opsSrv.Start(cfg.MetricsAddr); err != nil {
			logger.Fatal().Err(err).Msg("cannot bind ops listener")
		}
	}

	logger.Info().Msg("ready")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// Order: stop new upgrades, drain sockets, stop broker traffic, stop
	// the engine, flush pending snapshots, then drop the broker link.
	if err := public.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("public listener shutdown")
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("session drain")
	}
	if peer != nil {
		peer.Close()
	}
	if st != nil {
		if err := st.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("snapshot flush")
		}
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("engine shutdown")
	}
	if conn != nil {
		_ = conn.Close()
	}
	if opsSrv != nil {
		_ = opsSrv.Shutdown(shutdownCtx)
	}
	logger.Info().Msg("bye")
}
