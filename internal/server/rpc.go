package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/ratelimit/domain"
	ratelimitservice "careerpilot/backend/internal/ratelimit/service"
	"careerpilot/backend/internal/ratelimit/tiers"
	"careerpilot/backend/internal/server/interceptors"
	sessionservice "careerpilot/backend/internal/session/service"
)

// Service and method names. Messages are protobuf well-known types, so clients need no
// generated stubs: conn.Invoke(ctx, QuotaCheckMethod, wrapperspb.String("ATS_SCORE"), &structpb.Struct{}).
const (
	SessionServiceName = "careerpilot.auth.v1.Session"
	QuotaServiceName   = "careerpilot.quota.v1.Quota"

	// SessionRefreshMethod takes {refreshToken} and returns {accessToken, expiresIn, tokenType}. Public.
	SessionRefreshMethod = "/" + SessionServiceName + "/Refresh"
	// SessionLogoutMethod revokes the caller's session (Empty → Empty).
	SessionLogoutMethod = "/" + SessionServiceName + "/Logout"
	// SessionLogoutAllMethod revokes every session of the caller (Empty → Int64Value revoked).
	SessionLogoutAllMethod = "/" + SessionServiceName + "/LogoutAll"
	// QuotaCheckMethod consumes one unit of an action (StringValue → {action, allowed, limit, ...}).
	QuotaCheckMethod = "/" + QuotaServiceName + "/Check"
)

// SessionService is the part of *sessionservice.Service exposed over gRPC.
type SessionService interface {
	Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*sessionservice.Refreshed, error)
	InvalidateSession(ctx context.Context, sessionID string) error
	InvalidateAllUserSessions(ctx context.Context, userID string) (int64, error)
}

// QuotaChecker runs the identity and IP checks for an action. *ratelimitservice.Limiter implements it.
type QuotaChecker interface {
	CheckAction(ctx context.Context, s ratelimitservice.Subject, action domain.Action) (domain.Result, error)
}

type sessionRPC struct {
	sessions SessionService
	log      zerolog.Logger
}

type quotaRPC struct {
	quota   QuotaChecker
	tiers   tiers.Source
	actions map[domain.Action]bool
	clock   clock.Clock
	log     zerolog.Logger
}

// unaryHandler adapts a typed call to grpc.MethodHandler, running the server's interceptor chain.
func unaryHandler[T any, PT interface {
	*T
	proto.Message
}](fullMethod string, call func(context.Context, PT) (proto.Message, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := PT(new(T))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, req.(PT))
		})
	}
}

func sessionServiceDesc(impl *sessionRPC) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: SessionServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Refresh", Handler: unaryHandler(SessionRefreshMethod, impl.refresh)},
			{MethodName: "Logout", Handler: unaryHandler(SessionLogoutMethod, impl.logout)},
			{MethodName: "LogoutAll", Handler: unaryHandler(SessionLogoutAllMethod, impl.logoutAll)},
		},
		Streams: []grpc.StreamDesc{},
	}
}

func quotaServiceDesc(impl *quotaRPC) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: QuotaServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Check", Handler: unaryHandler(QuotaCheckMethod, impl.check)},
		},
		Streams: []grpc.StreamDesc{},
	}
}

func (s *sessionRPC) refresh(ctx context.Context, in *structpb.Struct) (proto.Message, error) {
	token := strings.TrimSpace(in.GetFields()["refreshToken"].GetStringValue())
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "refreshToken is required")
	}
	out, err := s.sessions.Refresh(ctx, token, clientIP(ctx), userAgent(ctx))
	if err != nil {
		if errors.Is(err, sessionservice.ErrSessionInvalid) {
			return nil, status.Error(codes.Unauthenticated, "session invalid")
		}
		s.log.Error().Err(err).Msg("grpc: refresh failed")
		return nil, status.Error(codes.Unavailable, "refresh temporarily unavailable")
	}
	return structpb.NewStruct(map[string]interface{}{
		"accessToken": out.AccessToken,
		"expiresIn":   out.ExpiresIn,
		"tokenType":   "Bearer",
	})
}

func (s *sessionRPC) logout(ctx context.Context, _ *emptypb.Empty) (proto.Message, error) {
	sessionID, _ := interceptors.GetSessionID(ctx)
	if err := s.sessions.InvalidateSession(ctx, sessionID); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("grpc: logout failed")
		return nil, status.Error(codes.Unavailable, "logout temporarily unavailable")
	}
	return &emptypb.Empty{}, nil
}

func (s *sessionRPC) logoutAll(ctx context.Context, _ *emptypb.Empty) (proto.Message, error) {
	userID, _ := interceptors.GetUserID(ctx)
	n, err := s.sessions.InvalidateAllUserSessions(ctx, userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("grpc: logout-all failed")
		return nil, status.Error(codes.Unavailable, "logout temporarily unavailable")
	}
	return wrapperspb.Int64(n), nil
}

// check consumes one unit of the requested action. A hard block (limit 0) is PermissionDenied,
// an exhausted budget is ResourceExhausted with a retry-after trailer.
func (q *quotaRPC) check(ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
	action := tiers.NormalizeAction(in.GetValue())
	if action == "" || (q.actions != nil && !q.actions[action]) {
		return nil, status.Error(codes.NotFound, "unknown action")
	}
	subject := ratelimitservice.Subject{IP: clientIP(ctx)}
	if userID, ok := interceptors.GetUserID(ctx); ok && userID != "" {
		subject.UserID = userID
		subject.Tier = q.tierOf(ctx, userID)
	}

	res, err := q.quota.CheckAction(ctx, subject, action)
	if err != nil {
		if res.Limit == 0 {
			return nil, status.Error(codes.PermissionDenied, "upgrade required: action not available on this plan")
		}
		retry := res.RetryAfter(q.clock.Now())
		var exceeded *domain.ExceededError
		if errors.As(err, &exceeded) {
			retry = exceeded.RetryAfter
		}
		if retry < 1 {
			retry = 1
		}
		_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-after", strconv.Itoa(retry)))
		return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded; retry after %ds", retry)
	}

	fields := map[string]interface{}{
		"action":       string(action),
		"allowed":      res.Allowed,
		"limit":        res.Limit,
		"remaining":    res.Remaining,
		"currentCount": res.CurrentCount,
	}
	if !res.ResetAt.IsZero() {
		fields["resetAt"] = res.ResetAt.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(fields)
}

func (q *quotaRPC) tierOf(ctx context.Context, userID string) domain.Tier {
	if q.tiers == nil {
		return domain.LowestTier
	}
	t, err := q.tiers.TierOf(ctx, userID)
	if err != nil {
		q.log.Warn().Err(err).Str("user_id", userID).Msg("grpc: tier lookup failed, using lowest tier")
		return domain.LowestTier
	}
	return tiers.NormalizeTier(t)
}

// clientIP prefers the address resolved by the rate-limit interceptor.
func clientIP(ctx context.Context) string {
	if ip, ok := interceptors.GetClientIP(ctx); ok && ip != "" {
		return ip
	}
	return interceptors.ClientIP(ctx)
}

func userAgent(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get("user-agent"); len(v) > 0 {
		return v[0]
	}
	return ""
}
