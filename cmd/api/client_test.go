package main

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/PaulBabatuyi/realtime-conversations/internal/auth"
	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
	"github.com/PaulBabatuyi/realtime-conversations/internal/logger"
	"github.com/PaulBabatuyi/realtime-conversations/internal/service"
	"github.com/PaulBabatuyi/realtime-conversations/internal/subscription"
)

const bufSize = 1024 * 1024

// testEnv is a full server on a bufconn listener backed by the memory store.
type testEnv struct {
	store *data.MemoryStore
	hub   *subscription.Hub
	jwt   *auth.JWTManager
	conn  *grpc.ClientConn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()
	mem := data.NewMemoryStore(data.WithClock(tickingClock()))
	b := memoryBackend(mem)

	svc := service.NewMessageService(b.deps, service.Options{MaxAttempts: 3, InitialBackoff: time.Millisecond}, log)
	hub := subscription.New(b.source, subscription.Options{
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
	}, log)
	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)

	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer(serverInterceptors(jwtMgr, log)...)
	registerService(s, newServer(svc, hub, log))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(s, healthSrv)
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	go func() { _ = s.Serve(lis) }()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		hub.Close()
		s.Stop()
	})
	return &testEnv{store: mem, hub: hub, jwt: jwtMgr, conn: conn}
}

// tickingClock advances one millisecond per reading.
func tickingClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time { return base.Add(time.Duration(n.Add(1)) * time.Millisecond) }
}

// as returns a context authenticated as the given party.
func (e *testEnv) as(t *testing.T, p data.Participant, actsFor ...string) context.Context {
	t.Helper()
	token, _, err := e.jwt.GenerateToken(p.ID, p.Type, p.Name, actsFor...)
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(t.Context(), "authorization", "Bearer "+token)
}

func invoke[Resp any](ctx context.Context, e *testEnv, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := e.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func subscribe(ctx context.Context, e *testEnv, method string, req any) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	cs, err := e.conn.NewStream(ctx, desc, fullMethod(method))
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return cs, nil
}

func recv[T any](cs grpc.ClientStream) (*T, error) {
	out := new(T)
	if err := cs.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}
