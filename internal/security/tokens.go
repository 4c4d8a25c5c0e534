package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"careerpilot/backend/internal/platform/clock"
)

var (
	// ErrInvalidToken is returned when a token is malformed, badly signed, of the wrong type, or from another issuer.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a correctly signed token is past its exp claim.
	ErrTokenExpired = errors.New("token expired")
	// ErrWeakSecrets is returned by NewTokenProvider when a secret is empty or both secrets are equal.
	ErrWeakSecrets = errors.New("access and refresh secrets must be set and distinct")
)

// TokenType distinguishes access tokens from refresh tokens inside the signed payload.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the payload carried by both token types.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Type      TokenType `json:"type"`
}

// TokenConfig configures a TokenProvider.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenProvider issues and validates HS256 access and refresh tokens signed with distinct secrets.
type TokenProvider struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	clock         clock.Clock
}

// NewTokenProvider returns a TokenProvider. Zero TTLs default to 15 minutes (access) and 7 days (refresh).
func NewTokenProvider(cfg TokenConfig, clk clock.Clock) (*TokenProvider, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 || string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, ErrWeakSecrets
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &TokenProvider{
		accessSecret:  cfg.AccessSecret,
		refreshSecret: cfg.RefreshSecret,
		issuer:        cfg.Issuer,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		clock:         clk,
	}, nil
}

// AccessTTL returns the access token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (p *TokenProvider) RefreshTTL() time.Duration { return p.refreshTTL }

// IssueAccess signs a short-lived access token for the session. Returns the token and its expiry.
func (p *TokenProvider) IssueAccess(userID, sessionID string) (string, time.Time, error) {
	return p.issue(TokenTypeAccess, userID, sessionID, p.accessTTL, p.accessSecret)
}

// IssueRefresh signs a long-lived refresh token for the session. Returns the token and its expiry.
func (p *TokenProvider) IssueRefresh(userID, sessionID string) (string, time.Time, error) {
	return p.issue(TokenTypeRefresh, userID, sessionID, p.refreshTTL, p.refreshSecret)
}

func (p *TokenProvider) issue(typ TokenType, userID, sessionID string, ttl time.Duration, secret []byte) (string, time.Time, error) {
	now := p.clock.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			// jti keeps two tokens minted in the same second for the same session distinct.
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:    userID,
		SessionID: sessionID,
		Type:      typ,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateAccess verifies signature, expiry, issuer, and type=access.
// Returns ErrTokenExpired for an otherwise valid token past exp, ErrInvalidToken for anything else.
func (p *TokenProvider) ValidateAccess(tokenString string) (*Claims, error) {
	return p.validate(tokenString, TokenTypeAccess, p.accessSecret)
}

// ValidateRefresh verifies signature, expiry, issuer, and type=refresh.
func (p *TokenProvider) ValidateRefresh(tokenString string) (*Claims, error) {
	return p.validate(tokenString, TokenTypeRefresh, p.refreshSecret)
}

func (p *TokenProvider) validate(tokenString string, want TokenType, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.clock.Now),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != want || claims.UserID == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
