package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/PaulBabatuyi/realtime-conversations/internal/auth"
	"github.com/PaulBabatuyi/realtime-conversations/internal/config"
	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
	"github.com/PaulBabatuyi/realtime-conversations/internal/db"
	"github.com/PaulBabatuyi/realtime-conversations/internal/logger"
	"github.com/PaulBabatuyi/realtime-conversations/internal/push"
	"github.com/PaulBabatuyi/realtime-conversations/internal/service"
	"github.com/PaulBabatuyi/realtime-conversations/internal/subscription"
)

const (
	tokenDuration   = 24 * time.Hour
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.ForEnv(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.close(closeCtx); err != nil {
			log.Warn("closing store", zap.Error(err))
		}
	}()

	// push is optional; sends never depend on it
	var pushStatus connectionStatus
	if cfg.NATSURL != "" {
		pub, err := push.Connect(ctx, push.Config{URL: cfg.NATSURL, Token: cfg.NATSToken, Stream: cfg.NATSStream}, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		store.deps.Publisher = pub
		pushStatus = pub
	}

	svc := service.NewMessageService(store.deps, service.Options{
		MaxAttempts:    cfg.Send.MaxAttempts,
		InitialBackoff: cfg.Send.InitialBackoff,
		MaxBackoff:     cfg.Send.MaxBackoff,
	}, log)
	hub := subscription.New(store.source, subscription.Options{
		ResyncPerSecond:  cfg.Hub.ResyncPerSecond,
		ResyncBurst:      cfg.Hub.ResyncBurst,
		ReconnectInitial: cfg.Hub.ReconnectInitial,
		ReconnectMax:     cfg.Hub.ReconnectMax,

		MaxTransientInARow: cfg.Hub.MaxTransientInARow,
	}, log)

	grpcServer, err := newGRPCServer(cfg, newJWTManager(cfg), log)
	if err != nil {
		return err
	}
	registerService(grpcServer, newServer(svc, hub, log))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	listenAddr := ":" + cfg.Port
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	ops := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           newOpsRouter(store.pinger, hub, pushStatus, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", listenAddr), zap.String("store", cfg.Store))
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		log.Info("ops server listening", zap.String("addr", cfg.OpsAddr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.Error("server exited", zap.Error(serveErr))
	}

	healthSrv.Shutdown()
	// closing the hub ends every subscription stream, so GracefulStop can finish
	hub.Close()
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		log.Warn("graceful stop timed out, forcing")
		grpcServer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown", zap.Error(err))
	}
	return serveErr
}

// backend bundles the stores behind one storage choice.
type backend struct {
	deps   service.Deps
	source subscription.Source
	pinger subscription.Pinger
	close  func(context.Context) error
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using the in-memory store; data is lost on exit")
		return memoryBackend(data.NewMemoryStore()), nil
	}

	client, err := db.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.CreateIndexes(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	conversations := data.NewConversationsStore(client.ConversationsCollection())
	messages := data.NewMessagesStore(client.MessagesCollection())
	return &backend{
		deps: service.Deps{
			Tx:            client,
			Conversations: conversations,
			Messages:      messages,
			Notifications: data.NewNotificationsStore(client.NotificationsCollection()),
			Directory:     data.NewPartiesStore(client.PartiesCollection()),
		},
		source: subscription.NewSource(conversations, messages, client),
		pinger: client,
		close:  client.Close,
	}, nil
}

func memoryBackend(mem *data.MemoryStore) *backend {
	return &backend{
		deps: service.Deps{
			Tx:            mem,
			Conversations: mem.Conversations(),
			Messages:      mem.Messages(),
			Notifications: mem.Notifications(),
			Directory:     mem.Parties(),
		},
		source: subscription.NewSource(mem.Conversations(), mem.Messages(), mem),
		pinger: mem,
		close:  func(context.Context) error { return nil },
	}
}

// newJWTManager prefers JWT_KEYS, so keys can be rotated, over the single
// JWT_SECRET.
func newJWTManager(cfg *config.Config) *auth.JWTManager {
	if len(cfg.JWTKeys) > 0 {
		return auth.NewJWTManagerFromKeys(cfg.JWTKeys, cfg.JWTActiveKid, tokenDuration)
	}
	return auth.NewJWTManager(cfg.JWTSecret, tokenDuration)
}

func newGRPCServer(cfg *config.Config, jwtMgr *auth.JWTManager, log *logger.Logger) (*grpc.Server, error) {
	var serverOpts []grpc.ServerOption

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load TLS certs: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	} else {
		log.Warn("TLS is not configured; serving plaintext")
	}

	serverOpts = append(serverOpts, serverInterceptors(jwtMgr, log)...)
	return grpc.NewServer(serverOpts...), nil
}

// serverInterceptors chains observation (outermost) and authentication.
func serverInterceptors(jwtMgr *auth.JWTManager, log *logger.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(observeUnaryInterceptor(log), authUnaryInterceptor(jwtMgr)),
		grpc.ChainStreamInterceptor(observeStreamInterceptor(log), authStreamInterceptor(jwtMgr)),
	}
}
