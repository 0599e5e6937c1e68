package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
)

type Role string

const (
	RoleAnonymous Role = "anonymous"
	RolePatient   Role = "patient"
	RoleStaff     Role = "staff"
)

const tokenIssuer = "clinic-scheduling"

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string
	Email   string
	Role    Role
}

func (p *Principal) IsStaff() bool {
	return p != nil && p.Role == RoleStaff
}

type clinicClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

const principalKey contextKey = "principal"

func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// Authenticator accepts either the anonymous public key or an HMAC signed JWT.
type Authenticator struct {
	secret  []byte
	anonKey string
	now     func() time.Time
}

func NewAuthenticator(secret, anonKey string) *Authenticator {
	return &Authenticator{secret: []byte(secret), anonKey: anonKey, now: time.Now}
}

// WithClock is used by tests to exercise token expiry.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// IssueToken signs a token for subject. Used by seed tooling and tests; real
// deployments get tokens from the identity provider.
func (a *Authenticator) IssueToken(subject, email string, role Role, ttl time.Duration) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(ttl)
	claims := clinicClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: email,
		Role:  role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Authenticate resolves an Authorization header value.
func (a *Authenticator) Authenticate(header string) (*Principal, error) {
	const op = "authenticate"

	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, apperr.New(apperr.KindNotAuthenticated, op, "missing bearer credential")
	}
	if a.anonKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.anonKey)) == 1 {
		return &Principal{Role: RoleAnonymous}, nil
	}

	var claims clinicClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.New(apperr.KindNotAuthenticated, op, "credential expired")
		}
		return nil, apperr.New(apperr.KindNotAuthenticated, op, "credential is invalid")
	}

	role := claims.Role
	if role != RoleStaff {
		role = RolePatient
	}
	return &Principal{Subject: claims.Subject, Email: claims.Email, Role: role}, nil
}

// Middleware rejects requests without a usable credential.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="clinic"`)
			writeError(w, http.StatusUnauthorized, string(apperr.KindNotAuthenticated), apperr.Message(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// RequireStaff must run after Authenticator.Middleware.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !PrincipalFrom(r.Context()).IsStaff() {
			writeError(w, http.StatusForbidden, string(apperr.KindForbidden), "staff credential required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
