package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"worknode/internal/engine/auth"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *slog.Logger
}

type Principal struct {
	Actor  auth.Actor
	Source string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (auth.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Actor.ID != "" {
		return p.Actor, nil
	}
	return auth.Actor{}, errUnauthenticated
}

type jwtClaims struct {
	jwt.RegisteredClaims
	ActorClass string `json:"actor_class,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	class, err := auth.ParseClass(claims.ActorClass)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Actor: auth.Actor{ID: claims.Subject, Class: class}, Source: "jwt"}, nil
}

// signDevToken mints a short-lived HS256 token for local use.
func signDevToken(secret, actorID string, class auth.Class, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ActorClass: string(class),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

var errUnauthenticated = newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)

// authenticator resolves the acting principal for requests under basePath.
type authenticator struct {
	cfg        AuthConfig
	basePath   string
	openPaths  map[string]bool
	specPrefix string
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	a := authenticator{
		cfg:      cfg,
		basePath: basePath,
		openPaths: map[string]bool{
			path.Join(basePath, "health"):         true,
			path.Join(basePath, "auth/dev/login"): true,
		},
		specPrefix: path.Join(basePath, "openapi"),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !a.protected(req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			p, serr := a.authenticate(req)
			if serr != nil {
				respondStatusError(w, serr)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func (a authenticator) protected(urlPath string) bool {
	if !strings.HasPrefix(urlPath, a.basePath) {
		return false
	}
	return !a.openPaths[urlPath] && !strings.HasPrefix(urlPath, a.specPrefix)
}

// authenticate prefers a bearer token; actor headers are honoured only when
// AllowLegacyActorHeader is set.
func (a authenticator) authenticate(req *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		p, err := authenticateJWT(token, a.cfg.JWTSecret)
		if err != nil {
			a.cfg.logger().Debug("jwt rejected", "error", err)
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		return p, nil
	}
	id := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
	if id == "" || !a.cfg.AllowLegacyActorHeader {
		return Principal{}, errUnauthenticated
	}
	class, err := auth.ParseClass(req.Header.Get("X-Actor-Class"))
	if err != nil {
		return Principal{}, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	a.cfg.logger().Warn("using unauthenticated actor headers", "actor_id", id, "actor_class", class)
	return Principal{Actor: auth.Actor{ID: id, Class: class}, Source: "legacy_header"}, nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
