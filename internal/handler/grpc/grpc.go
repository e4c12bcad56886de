package grpc

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"shardfs/internal/middleware"
	"shardfs/pkg/model"
)

// ServiceName is the health service every node reports under.
const ServiceName = "shardfs.Node"

// Handler is the admin endpoint of one node: the standard gRPC health
// service plus reflection, so stock tooling can inspect a running node.
type Handler struct {
	node   model.Node
	health *health.Server
	srv    *grpc.Server
	logger *zap.Logger
}

// NewGrpc creates the admin server for node. It reports NOT_SERVING until
// SetServing is called.
func NewGrpc(node model.Node, logger *zap.Logger) *Handler {
	h := &Handler{
		node:   node,
		health: health.NewServer(),
		logger: logger.Named("admin").With(zap.String("node", node.Name)),
	}
	h.srv = grpc.NewServer(
		grpc.UnaryInterceptor(middleware.UnaryLoggingInterceptor(h.logger)),
	)
	healthpb.RegisterHealthServer(h.srv, h.health)
	reflection.Register(h.srv)

	h.SetServing(false)
	return h
}

// ServiceFor names the per-extension health entry, e.g. shardfs.Node/.pdf.
func ServiceFor(ext string) string {
	return ServiceName + "/" + ext
}

// SetServing flips the node and its extension entry between SERVING and NOT_SERVING.
func (h *Handler) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
	if h.node.Extension != "" {
		h.health.SetServingStatus(ServiceFor(h.node.Extension), status)
	}
}

// Serve blocks serving admin RPCs on lis.
func (h *Handler) Serve(lis net.Listener) error {
	h.logger.Info("admin endpoint listening", zap.String("addr", lis.Addr().String()))
	return h.srv.Serve(lis)
}

// Stop marks the node as going away and stops the server gracefully.
func (h *Handler) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}

// Probe asks the admin endpoint at addr for the health of service.
func Probe(ctx context.Context, addr, service string, timeout time.Duration) (*healthpb.HealthCheckResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "FAIL TO CONNECT TO %s", addr)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, errors.Wrapf(err, "HEALTH CHECK %s FAILED", addr)
	}
	return resp, nil
}
