package main

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/realtime-conversations/internal/auth"
	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
	"github.com/PaulBabatuyi/realtime-conversations/internal/logger"
	"github.com/PaulBabatuyi/realtime-conversations/internal/metrics"
)

// context key type for storing auth claims in context
type authContextKey struct{}

// methods reachable without a token
const healthPrefix = "/grpc.health.v1.Health/"

func withClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, authContextKey{}, claims)
}

// claimsFrom extracts the auth claims attached by the interceptors.
func claimsFrom(ctx context.Context) (*auth.Claims, error) {
	c, ok := ctx.Value(authContextKey{}).(*auth.Claims)
	if !ok || c == nil {
		return nil, status.Error(codes.Unauthenticated, "missing auth claims")
	}
	return c, nil
}

// participantFrom describes the authenticated party from its token.
func participantFrom(ctx context.Context) (data.Participant, error) {
	c, err := claimsFrom(ctx)
	if err != nil {
		return data.Participant{}, err
	}
	return data.Participant{ID: c.PartyID(), Name: c.Name, Type: c.PartyType}, nil
}

// authenticate verifies the bearer token in the incoming metadata.
func authenticate(ctx context.Context, j *auth.JWTManager) (*auth.Claims, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeaders[0], "Bearer"))
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	claims, err := j.VerifyToken(token)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "unauthenticated: %v", err)
	}
	return claims, nil
}

// authUnaryInterceptor enforces JWT authentication on every method except
// the health service.
func authUnaryInterceptor(j *auth.JWTManager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}
		claims, err := authenticate(ctx, j)
		if err != nil {
			return nil, err
		}
		return handler(withClaims(ctx, claims), req)
	}
}

// authStreamInterceptor is the stream equivalent of authUnaryInterceptor.
func authStreamInterceptor(j *auth.JWTManager) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(srv, ss)
		}
		claims, err := authenticate(ss.Context(), j)
		if err != nil {
			return err
		}
		return handler(srv, contextStream{ServerStream: ss, ctx: withClaims(ss.Context(), claims)})
	}
}

// contextStream wraps grpc.ServerStream to override Context()
type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s contextStream) Context() context.Context { return s.ctx }

// observeUnaryInterceptor maps errors to status codes, records latency and
// logs failures. It runs outermost so rejected calls are observed too.
func observeUnaryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	log = log.Component("rpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		return resp, observe(log, info.FullMethod, start, err)
	}
}

// observeStreamInterceptor is the stream equivalent of observeUnaryInterceptor.
func observeStreamInterceptor(log *logger.Logger) grpc.StreamServerInterceptor {
	log = log.Component("rpc")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		return observe(log, info.FullMethod, start, handler(srv, ss))
	}
}

func observe(log *logger.Logger, method string, start time.Time, err error) error {
	st := toStatus(err)
	code := status.Code(st)
	elapsed := time.Since(start)
	metrics.RPCDuration.WithLabelValues(method, code.String()).Observe(elapsed.Seconds())

	switch code {
	case codes.OK, codes.Canceled:
	case codes.Internal, codes.Unknown:
		log.Error("rpc failed", zap.String("method", method), zap.Duration("elapsed", elapsed), zap.Error(err))
	default:
		log.Debug("rpc rejected", zap.String("method", method), zap.Stringer("code", code), zap.Error(err))
	}
	return st
}
