package main

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"shardfs/internal/archive"
	"shardfs/internal/config"
	filectrl "shardfs/internal/controller/file"
	"shardfs/internal/controller/gateway"
	admingrpc "shardfs/internal/handler/grpc"
	"shardfs/internal/handler/tcp"
	"shardfs/internal/index"
	"shardfs/internal/middleware"
	filerepo "shardfs/internal/repository/file"
)

const shutdownTimeout = 30 * time.Second

// runNode serves one node until ctx is cancelled, then shuts it down.
func runNode(ctx context.Context, cfg *config.Cluster, nc config.Node, logger *zap.Logger) error {
	node := cfg.Model(nc)
	logger = logger.With(zap.String("node", node.Name))

	logger.Info("starting "+serviceName,
		zap.String("role", string(node.Role)),
		zap.String("extension", node.Extension),
		zap.String("addr", node.Addr),
		zap.String("root", node.Root),
	)
	logger.Info("limits",
		zap.Int64("maxContent", cfg.MaxContent),
		zap.Int("maxFiles", cfg.MaxFiles),
		zap.Int("maxConnections", cfg.MaxConnections),
		zap.Duration("timeout", cfg.Timeout),
	)

	repo, err := filerepo.NewRepo(node, index.New(logger, index.DefaultMaxDepth), cfg.LocatorTTL, logger)
	if err != nil {
		logger.Error("failed to create repository", zap.Error(err))
		return err
	}
	defer repo.Close()

	builder, err := archive.New(cfg.Archiver, cfg.TempDir, logger)
	if err != nil {
		return err
	}

	ctrl := filectrl.NewController(node, repo, builder, filectrl.Limits{
		MaxContent: cfg.MaxContent,
		MaxFiles:   cfg.MaxFiles,
	}, logger)

	local := tcp.NewNodeHandler(ctrl)
	var handler tcp.Handler = local
	if node.IsGateway() {
		router, err := gateway.NewRouter(local, cfg.Remotes(), gateway.Options{
			Timeout:    cfg.Timeout,
			MaxContent: cfg.MaxContent,
		}, logger)
		if err != nil {
			return err
		}
		for _, r := range cfg.Remotes() {
			logger.Info("route", zap.String("extension", r.Extension), zap.String("owner", r.Name), zap.String("addr", r.Addr))
		}
		handler = router
	}

	limiter := middleware.NewConcurrencyLimiter(cfg.MaxConnections)
	srv := tcp.NewServer(node, handler, limiter, tcp.Options{
		Timeout:     cfg.Timeout,
		IdleTimeout: cfg.IdleTimeout,
		MaxContent:  cfg.MaxContent,
		Rate: middleware.RateConfig{
			Limit: cfg.RateLimit.Limit,
			Burst: cfg.RateLimit.Burst,
		},
	}, logger)

	lis, err := net.Listen("tcp", node.Addr)
	if err != nil {
		logger.Error("failed to listen", zap.Error(err))
		return err
	}

	var admin *admingrpc.Handler
	if node.AdminAddr != "" {
		alis, err := net.Listen("tcp", node.AdminAddr)
		if err != nil {
			lis.Close()
			logger.Error("failed to listen for admin", zap.Error(err))
			return err
		}
		admin = admingrpc.NewGrpc(node, logger)
		go func() {
			if err := admin.Serve(alis); err != nil {
				logger.Warn("admin endpoint stopped", zap.Error(err))
			}
		}()
	}

	if showStats {
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					logger.Info("connection stats", zap.String("stats", limiter.GetStatsString()))
				}
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, lis)
	}()
	if admin != nil {
		admin.SetServing(true)
	}

	logger.Info("server is ready to accept connections", zap.String("addr", node.Addr))
	logger.Info("use Ctrl+C to stop the server")

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, tcp.ErrServerClosed) && ctx.Err() == nil {
			logger.Error("server failed", zap.Error(err))
			if admin != nil {
				admin.Stop()
			}
			return err
		}
	case <-ctx.Done():
		logger.Info("received interrupt signal, shutting down")
	}

	if admin != nil {
		admin.SetServing(false)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	if admin != nil {
		admin.Stop()
	}
	if err != nil {
		logger.Warn("shutdown timeout exceeded, connections closed", zap.Error(err))
		return nil
	}
	logger.Info("server stopped gracefully", zap.String("stats", limiter.GetStatsString()))
	return nil
}
