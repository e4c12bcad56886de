package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestConcurrencyLimiter_TryAcquire(t *testing.T) {
	cl := NewConcurrencyLimiter(2)

	require.True(t, cl.TryAcquire())
	require.True(t, cl.TryAcquire())
	assert.False(t, cl.TryAcquire(), "third slot must be refused")

	cl.Release()
	assert.True(t, cl.TryAcquire())

	s := cl.GetStats()
	assert.Equal(t, 2, s.Active)
	assert.EqualValues(t, 3, s.Total)
	assert.EqualValues(t, 1, s.Rejected)
}

func TestConcurrencyLimiter_Concurrent(t *testing.T) {
	cl := NewConcurrencyLimiter(8)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cl.TryAcquire() {
				cl.CountTurn()
				cl.Release()
			}
		}()
	}
	wg.Wait()

	s := cl.GetStats()
	assert.Equal(t, 0, s.Active)
	assert.EqualValues(t, 100, s.Total+s.Rejected)
	assert.Equal(t, s.Total, s.Turns)
}

func TestConcurrencyLimiter_Defaults(t *testing.T) {
	cl := NewConcurrencyLimiter(0)
	assert.Equal(t, 64, cl.Capacity())
	assert.Contains(t, cl.GetStatsString(), "0/64 active")
}

func TestNewTurnLimiter(t *testing.T) {
	assert.Nil(t, NewTurnLimiter(RateConfig{}))

	l := NewTurnLimiter(RateConfig{Limit: 1, Burst: 0})
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow(), "burst of one is spent")
}

func TestUnaryLoggingInterceptor(t *testing.T) {
	interceptor := UnaryLoggingInterceptor(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	wantErr := status.Error(codes.NotFound, "unknown service")
	_, err = interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, wantErr
	})
	assert.True(t, errors.Is(err, wantErr))
}
