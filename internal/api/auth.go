package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin may freeze records and edit policies.
const RoleAdmin = "admin"

// Claims are the JWT claims the API accepts.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Authenticator issues and checks HS256 admin tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator returns nil for an empty secret; a nil Authenticator
// rejects every protected request.
func NewAuthenticator(secret, issuer string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for subject with the given role.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	if a == nil {
		return "", errors.New("auth: no signing secret configured")
	}
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses and verifies a token.
func (a *Authenticator) Validate(token string) (*Claims, error) {
	if a == nil {
		return nil, errors.New("auth: not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ErrForbidden is returned by AuthorizeAdmin for a valid token that may not
// administer. Every other AuthorizeAdmin error means unauthenticated.
var ErrForbidden = errors.New("admin role required")

// AuthorizeAdmin checks an Authorization header value. The token must be a
// valid bearer token for a named subject holding the admin role.
func (a *Authenticator) AuthorizeAdmin(header string) (*Claims, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, errors.New("missing bearer token")
	}
	if a == nil {
		return nil, errors.New("authentication not configured")
	}
	claims, err := a.Validate(token)
	if err != nil {
		return nil, errors.New("invalid or expired token")
	}
	if claims.Role != RoleAdmin || claims.Subject == "" {
		return nil, ErrForbidden
	}
	return claims, nil
}

// RequireAdmin lets through only bearer tokens carrying the admin role.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := a.AuthorizeAdmin(r.Header.Get("Authorization"))
		switch {
		case errors.Is(err, ErrForbidden):
			writeProblem(w, r, http.StatusForbidden, err.Error())
		case err != nil:
			writeProblem(w, r, http.StatusUnauthorized, err.Error())
		default:
			next.ServeHTTP(w, r)
		}
	})
}
