// Package auth resolves the caller of an HTTP or websocket request into a domain.Identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"quiz-arena/internal/domain"
)

// RoleAdmin marks tokens allowed to create, schedule and force-start sessions.
const RoleAdmin = "admin"

// Authenticator extracts the identity of a request. It returns an empty identity and
// no error for anonymous requests; handlers decide whether anonymity is acceptable.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.Identity, error)
}

// Claims are the token claims the service understands. Subject is the identity.
type Claims struct {
	jwt.RegisteredClaims
	Name   string `json:"name,omitempty"`
	Handle string `json:"handle,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"`
}

// JWTAuthenticator verifies HMAC-signed bearer tokens. Websocket clients that cannot
// set headers pass the token as the access_token query parameter.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return domain.Identity{}, nil
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return domain.Identity{}, domain.ErrNotAuthenticated
	}
	return domain.Identity{
		ID:          claims.Subject,
		DisplayName: claims.Name,
		Handle:      claims.Handle,
		AvatarURL:   claims.Avatar,
		Admin:       claims.Role == RoleAdmin,
	}, nil
}

// Sign issues a token for id, valid for ttl. Used by tooling and tests.
func (a *JWTAuthenticator) Sign(id domain.Identity, now time.Time, ttl time.Duration) (string, error) {
	if id.ID == "" {
		return "", errors.New("identity required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:   id.DisplayName,
		Handle: id.Handle,
		Avatar: id.AvatarURL,
	}
	if id.Admin {
		claims.Role = RoleAdmin
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}

// DevAuthenticator trusts the caller: identity comes from X-User-* headers or the
// userId/name query parameters. It is only wired when no JWT secret is configured.
type DevAuthenticator struct{}

func (DevAuthenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	q := r.URL.Query()
	id := firstNonEmpty(r.Header.Get("X-User-Id"), q.Get("userId"))
	if id == "" {
		return domain.Identity{}, nil
	}
	return domain.Identity{
		ID:          id,
		DisplayName: firstNonEmpty(r.Header.Get("X-User-Name"), q.Get("name")),
		Handle:      firstNonEmpty(r.Header.Get("X-User-Handle"), q.Get("handle")),
		Admin:       r.Header.Get("X-User-Role") == RoleAdmin || q.Get("role") == RoleAdmin,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
