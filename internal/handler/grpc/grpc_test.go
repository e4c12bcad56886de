package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"shardfs/pkg/model"
)

func startAdmin(t *testing.T) (*Handler, string) {
	t.Helper()
	h := NewGrpc(model.Node{Name: "S2", Extension: ".pdf"}, zaptest.NewLogger(t))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go h.Serve(lis)
	t.Cleanup(h.Stop)
	return h, lis.Addr().String()
}

func TestProbe_ServingStatus(t *testing.T) {
	h, addr := startAdmin(t)
	ctx := context.Background()

	resp, err := Probe(ctx, addr, ServiceName, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	h.SetServing(true)
	resp, err = Probe(ctx, addr, ServiceFor(".pdf"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	resp, err = Probe(ctx, addr, "", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestProbe_UnknownService(t *testing.T) {
	_, addr := startAdmin(t)

	_, err := Probe(context.Background(), addr, ServiceFor(".zip"), 2*time.Second)
	require.Error(t, err)
	st, ok := status.FromError(errors.Cause(err))
	require.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
}

func TestProbe_Unreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	_, err = Probe(context.Background(), addr, ServiceName, 300*time.Millisecond)
	assert.Error(t, err)
}

