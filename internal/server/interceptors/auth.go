package interceptors

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sessionservice "careerpilot/backend/internal/session/service"
)

const bearerPrefix = "bearer "

// Authenticator validates an access token for a protected call. *sessionservice.Service implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*sessionservice.Identity, error)
}

// AuthUnary returns a unary server interceptor that validates the Bearer (access) token
// from gRPC metadata and sets user_id and session_id in context for protected RPCs.
// publicMethods is the set of full method names that do not require a Bearer token
// (e.g. the health check).
func AuthUnary(auth Authenticator, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		token := extractBearer(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		id, err := auth.Authenticate(ctx, token)
		if err != nil {
			return nil, authStatus(err)
		}
		ctx = WithIdentity(ctx, id.UserID, id.SessionID)
		return handler(ctx, req)
	}
}

// authStatus maps session errors to gRPC codes. Token and session failures are Unauthenticated;
// anything else is a store failure in strict mode and reported as Unavailable.
func authStatus(err error) error {
	switch {
	case errors.Is(err, sessionservice.ErrTokenExpired):
		return status.Error(codes.Unauthenticated, "token expired")
	case errors.Is(err, sessionservice.ErrTokenInvalid):
		return status.Error(codes.Unauthenticated, "token invalid")
	case errors.Is(err, sessionservice.ErrSessionInvalid):
		return status.Error(codes.Unauthenticated, "session invalid")
	default:
		return status.Error(codes.Unavailable, "session store unavailable")
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
