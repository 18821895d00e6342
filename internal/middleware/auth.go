// Package middleware содержит HTTP middleware сервиса привлечения инвестиций.
package middleware

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const actorKey contextKey = "actor"

// Роли участников.
const (
	RoleBusiness = "business"
	RoleInvestor = "investor"
	RoleAdmin    = "admin"
)

// ErrInvalidToken возвращается для неподписанного, просроченного или неполного токена.
var ErrInvalidToken = errors.New("invalid token")

// Actor аутентифицированный участник запроса.
type Actor struct {
	ID   string
	Role string
}

// IsAdmin сообщает, является ли участник администратором.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type actorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware проверяет bearer-токен JWT (HS256) и кладёт участника в контекст запроса.
type AuthMiddleware struct {
	secretKey []byte
	now       func() time.Time
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Пустой секрет заменяется случайным: токены такого процесса не переживают перезапуск.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}

	return &AuthMiddleware{
		secretKey: key,
		now:       time.Now,
	}
}

// Middleware проверяет заголовок Authorization и добавляет участника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		actor, err := a.ParseToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken выпускает токен для участника со сроком жизни ttl.
func (a *AuthMiddleware) IssueToken(actor Actor, ttl time.Duration) (string, error) {
	if actor.ID == "" || !validRole(actor.Role) {
		return "", fmt.Errorf("%w: actor id and known role are required", ErrInvalidToken)
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, actorClaims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.secretKey)
}

// ParseToken проверяет подпись и срок действия токена.
func (a *AuthMiddleware) ParseToken(raw string) (Actor, error) {
	var claims actorClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" || !validRole(claims.Role) {
		return Actor{}, ErrInvalidToken
	}
	return Actor{ID: claims.Subject, Role: claims.Role}, nil
}

// RequireRole пропускает только участников с одной из перечисленных ролей.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing actor")
				return
			}
			if !slices.Contains(roles, actor.Role) {
				writeError(w, http.StatusForbidden, "forbidden", "role is not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromContext извлекает участника из контекста запроса.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithActor кладёт участника в контекст.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func validRole(role string) bool {
	switch role {
	case RoleBusiness, RoleInvestor, RoleAdmin:
		return true
	}
	return false
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q,"message":%q}`, kind, message)
}
