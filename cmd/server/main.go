// Command server runs the notification server: it binds a UDP endpoint,
// wires a ReliableTransport to a ProfileStore through the notification
// pipeline, and serves them until SIGINT or stdin-EOF.
package main

import (
	"fmt"
	"net/http"
	"os"

	"notifyfeed/server/internal/adminweb"
	"notifyfeed/server/internal/audit"
	"notifyfeed/server/internal/config"
	"notifyfeed/server/internal/logging"
	"notifyfeed/server/internal/pipeline"
	"notifyfeed/server/internal/profilestore"
	"notifyfeed/server/internal/replication"
	"notifyfeed/server/internal/shutdown"
	"notifyfeed/server/internal/transport"
	"notifyfeed/server/internal/worker"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <bind-ip> <bind-port>\n", os.Args[0])
		os.Exit(1)
	}
	bindAddr := fmt.Sprintf("%s:%s", os.Args[1], os.Args[2])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	endpoint, err := transport.Bind(bindAddr)
	if err != nil {
		logger.Error("failed to bind UDP endpoint", logging.Error(err), logging.String("addr", bindAddr))
		os.Exit(1)
	}
	localAddr, err := endpoint.LocalAddr()
	if err != nil {
		logger.Error("failed to resolve local address", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("bound UDP endpoint", logging.String("addr", localAddr.String()))

	transportCfg := transport.NewConfig(
		transport.WithMaxReqAttempts(uint64(cfg.MaxReqAttempts)),
		transport.WithMaxCachedResponses(cfg.MaxCachedResponses),
		transport.WithBumpInterval(cfg.BumpInterval),
		transport.WithMaxSilentTicks(cfg.MaxSilentTicks),
		transport.WithPingSchedule(cfg.PingStart, cfg.PingInterval),
		transport.WithBinExpCooldown(cfg.BinExpNumer, cfg.BinExpDenom),
	)
	serverTransport := transport.New(endpoint, transportCfg, logger.With(logging.String("component", "transport")))

	persist := profilestore.NewPersistence(cfg.DataFile, cfg.BackupCount)
	store := profilestore.New(persist, logger.With(logging.String("component", "profilestore")))
	if store.Load() {
		logger.Info("loaded persisted profile store snapshot", logging.String("path", cfg.DataFile))
	} else {
		logger.Info("starting with an empty profile store")
	}

	var auditTrail *audit.Trail
	if cfg.AuditFile != "" {
		auditTrail, err = audit.Open(cfg.AuditFile)
		if err != nil {
			logger.Error("failed to open audit trail, continuing without one", logging.Error(err))
		} else {
			defer auditTrail.Close()
		}
	}

	group := replication.NewGroup(localAddr)
	if peers, err := replication.LoadServerAddrList(cfg.GroupFile); err != nil {
		logger.Warn("failed to load replica-group address list", logging.Error(err))
	} else {
		for peer := range peers {
			group.AddServer(peer)
		}
	}

	registry := worker.NewRegistry()

	registry.Spawn("persistence", func() {
		for {
			if err := store.PersistIfDirty(); err != nil {
				return
			}
		}
	})

	replicationReq := make(chan struct{})
	registry.Spawn("replication", func() { replication.Start(group, replicationReq) })

	pipe := pipeline.New(serverTransport, store, auditTrail, logger.With(logging.String("component", "pipeline")), registry)

	var dashboard *adminweb.Server
	var httpServer *http.Server
	if cfg.AdminAddr != "" {
		dashboard = adminweb.New(store, serverTransport, registry.Names, logger.With(logging.String("component", "adminweb")), cfg.AdminRateWindow, cfg.AdminRateBurst)
		httpServer = &http.Server{Addr: cfg.AdminAddr, Handler: dashboard.Handler()}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin dashboard server failed", logging.Error(err))
			}
		}()
		logger.Info("serving admin dashboard", logging.String("addr", cfg.AdminAddr))
	}

	sig := shutdown.New()
	sig.Watch()
	logger.Info("server ready", logging.String("addr", localAddr.String()))
	sig.Wait()

	logger.Info("shutdown signal received, tearing down")
	pipe.Close()
	close(replicationReq)
	if err := serverTransport.Disconnect(); err != nil {
		logger.Error("transport disconnect failed", logging.Error(err))
	}
	store.Shutdown()
	registry.Join()

	if dashboard != nil {
		dashboard.Close()
	}
	if httpServer != nil {
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
