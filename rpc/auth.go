package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	coreerrors "arcesc/core/errors"
	"arcesc/core/identity"
	"arcesc/crypto"
	"arcesc/observability/logging"
)

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	RoleClaim  string
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyCaller contextKey = "arcesc.caller"

var errMissingToken = errors.New("missing bearer token")

// Authenticator turns HS256 bearer tokens into pre-authorized callers. The
// subject carries the account address and the role claim its capability.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator validates cfg and returns an Authenticator.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, fmt.Errorf("rpc: auth secret required")
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, secret: []byte(secret), logger: logger}, nil
}

// Middleware rejects requests without a valid token and stores the caller in
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.Authenticate(r)
		if err != nil {
			a.logger.Debug("token rejected",
				slog.String("path", r.URL.Path),
				logging.MaskField("authorization", r.Header.Get("Authorization")),
				slog.String("error", err.Error()))
			writeErrorStatus(w, http.StatusUnauthorized, coreerrors.CodeUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// Authenticate parses the request's bearer token.
func (a *Authenticator) Authenticate(r *http.Request) (identity.Caller, error) {
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return identity.Caller{}, errMissingToken
	}
	return a.Parse(token)
}

// Parse validates a raw token and returns the caller it names.
func (a *Authenticator) Parse(raw string) (identity.Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return identity.Caller{}, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return identity.Caller{}, errors.New("invalid token: claims not map")
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return identity.Caller{}, errors.New("invalid token: subject required")
	}
	addr, err := crypto.ParseAddress(subject)
	if err != nil {
		return identity.Caller{}, fmt.Errorf("invalid token subject: %w", err)
	}
	rawRole, _ := claims[a.cfg.RoleClaim].(string)
	role, err := identity.ParseRole(rawRole)
	if err != nil {
		return identity.Caller{}, err
	}
	return identity.NewCaller(addr, role), nil
}

// TokenRequest describes a token to mint.
type TokenRequest struct {
	Caller   identity.Caller
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      time.Time
}

// MintToken signs an HS256 token for req with secret. Operators use it to
// issue development and service credentials.
func MintToken(secret string, req TokenRequest) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("rpc: auth secret required")
	}
	if !req.Caller.Role.Valid() {
		return "", identity.ErrInvalidRole
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := jwt.MapClaims{
		"sub":  crypto.FormatAddress(req.Caller.Address),
		"role": req.Caller.Role.String(),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if req.Issuer != "" {
		claims["iss"] = req.Issuer
	}
	if req.Audience != "" {
		claims["aud"] = req.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

// WithCaller stores the authenticated caller in ctx.
func WithCaller(ctx context.Context, caller identity.Caller) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

// CallerFromContext returns the authenticated caller.
func CallerFromContext(ctx context.Context) (identity.Caller, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(identity.Caller)
	return caller, ok
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
