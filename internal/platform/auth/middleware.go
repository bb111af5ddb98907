package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/teleconsult/realtime/pkg/realtime"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// ErrUnauthenticated is returned when a token is missing or fails verification.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims are the JWT claims issued by the platform's auth service.
type Claims struct {
	jwt.RegisteredClaims
	// Role is the primary platform role (patient, doctor, admin).
	Role  string   `json:"role"`
	Roles []string `json:"roles"`
}

// Principal is the verified caller behind a token.
type Principal struct {
	Subject string
	Roles   []string
}

// Identity maps the principal to a realtime identity using the first role
// that is a valid connection role.
func (p Principal) Identity() (realtime.Identity, error) {
	for _, r := range p.Roles {
		role, err := realtime.ParseRole(r)
		if err != nil {
			continue
		}
		id := realtime.Identity{ID: p.Subject, Role: role}
		if err := id.Validate(); err != nil {
			return realtime.Identity{}, err
		}
		return id, nil
	}
	return realtime.Identity{}, fmt.Errorf("%w: no connection role in %v", realtime.ErrInvalidIdentity, p.Roles)
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier turns a bearer token into a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
}

// JWTVerifier validates HS256 tokens against a shared key, or RS256 tokens
// against a JWKS endpoint.
type JWTVerifier struct {
	opts    []jwt.ParserOption
	keyFunc jwt.Keyfunc
}

// NewJWTVerifier builds a verifier from cfg. When neither a signing key nor a
// JWKS URL is configured, the JWKS URL is discovered from the issuer.
func NewJWTVerifier(ctx context.Context, cfg JWTConfig) (*JWTVerifier, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	if len(cfg.SigningKey) > 0 {
		key := cfg.SigningKey
		return &JWTVerifier{
			opts:    append(opts, jwt.WithValidMethods([]string{"HS256"})),
			keyFunc: func(*jwt.Token) (interface{}, error) { return key, nil },
		}, nil
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		if cfg.Issuer == "" {
			return nil, errors.New("auth: one of signing key, JWKS URL or issuer is required")
		}
		provider, err := DiscoverOIDC(ctx, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = provider.JWKSURI
	}
	opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
	return &JWTVerifier{opts: opts, keyFunc: jwksKeyFunc(jwksURL)}, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, tokenStr string) (Principal, error) {
	if tokenStr == "" {
		return Principal{}, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, v.opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	roles := claims.Roles
	if claims.Role != "" {
		roles = append([]string{claims.Role}, roles...)
	}
	return Principal{Subject: claims.Subject, Roles: roles}, nil
}

// DevVerifier accepts "dev:<role>:<id>" tokens without a signature, and
// defers any other token to Next. It must only be used in development.
type DevVerifier struct {
	Next Verifier
}

// Verify implements Verifier.
func (d DevVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	if rest, ok := strings.CutPrefix(token, "dev:"); ok {
		role, id, found := strings.Cut(rest, ":")
		if !found || role == "" || id == "" {
			return Principal{}, fmt.Errorf("%w: malformed dev token", ErrUnauthenticated)
		}
		return Principal{Subject: id, Roles: []string{role}}, nil
	}
	if d.Next == nil {
		return Principal{}, fmt.Errorf("%w: unrecognised token", ErrUnauthenticated)
	}
	return d.Next.Verify(ctx, token)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
// It returns an empty string when the header is absent and an error when it
// is present but malformed.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", nil
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: invalid authorization format", ErrUnauthenticated)
	}
	return strings.TrimSpace(parts[1]), nil
}

func JWTMiddleware(v Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := BearerToken(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}
			if tokenStr == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			p, err := v.Verify(c.Request().Context(), tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development that allows
// unauthenticated requests as an admin. Requests that do carry a token are
// still verified.
func DevAuthMiddleware(v Verifier) echo.MiddlewareFunc {
	strict := JWTMiddleware(v)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return verified(c)
			}
			ctx := WithPrincipal(c.Request().Context(), Principal{Subject: "dev-user", Roles: []string{"admin"}})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, p.Subject)
	return context.WithValue(ctx, UserRolesKey, p.Roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
