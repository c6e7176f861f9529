package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"relocation/internal/engine/auth"
	"relocation/internal/repo"
)

// TokenCookie carries a JWT for browser clients that cannot set headers.
const TokenCookie = "token"

type AuthConfig struct {
	JWTSecret string
	// TokenTTL bounds tokens minted by the dev login route.
	TokenTTL time.Duration
	// DevLogin registers POST /auth/dev/login. Off unless auth.dev_login is set.
	DevLogin bool
	Logger   *slog.Logger
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ID != "" {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	Activated bool   `json:"activated"`
}

// SignToken mints an HS256 token for userID. Shared by the dev login route and
// the CLI so both produce claims the middleware accepts.
func SignToken(secret, userID string, role auth.Role, activated bool, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:      string(role),
		Activated: activated,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (auth.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Principal{}, err
	}
	if !parsed.Valid {
		return auth.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return auth.Principal{}, errors.New("subject claim required")
	}
	role, err := auth.ParseRole(claims.Role)
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{
		ID:     claims.Subject,
		Role:   role,
		Active: claims.Activated,
		Source: "jwt",
	}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (auth.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return auth.Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return auth.Principal{}, err
	}
	if apiKey.UserID == "" {
		return auth.Principal{}, errors.New("api key missing user")
	}
	role, err := auth.ParseRole(apiKey.Role)
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{
		ID:     apiKey.UserID,
		Role:   role,
		Active: apiKey.Active,
		Source: "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	open := map[string]bool{}
	for _, p := range publicPaths(basePath, cfg.DevLogin) {
		open[p] = true
	}
	invalid := func(w http.ResponseWriter, req *http.Request, source string, err error) {
		cfg.logger().WarnContext(req.Context(), "rejected credentials",
			slog.String("source", source),
			slog.String("path", req.URL.Path),
			slog.Any("error", err),
		)
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			cookieToken := ""
			if c, err := req.Cookie(TokenCookie); err == nil {
				cookieToken = strings.TrimSpace(c.Value)
			}

			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					invalid(w, req, "bearer", errors.New("malformed authorization header"))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					invalid(w, req, "bearer", err)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
			case apiKeyHeader != "":
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					invalid(w, req, "api_key", err)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
			case cookieToken != "":
				principal, err := authenticateJWT(cookieToken, cfg.JWTSecret)
				if err != nil {
					invalid(w, req, "cookie", err)
					return
				}
				principal.Source = "cookie"
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			}
		})
	}
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

// registerDevAuth serves unauthenticated token minting. New only calls it when
// AuthConfig.DevLogin is set.
func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		user := strings.TrimSpace(input.Body.UserID)
		role, err := auth.ParseRole(input.Body.Role)
		if user == "" || err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "userId and a known role are required", nil)
		}
		activated := true
		if input.Body.Activated != nil {
			activated = *input.Body.Activated
		}
		token, err := SignToken(authCfg.JWTSecret, user, role, activated, authCfg.TokenTTL, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
