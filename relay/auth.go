package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a presented session token fails
// signature or expiry validation.
var ErrInvalidToken = errors.New("relay: invalid token")

// Claims are the session token claims: the registered set plus the
// account id the token was issued for.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

type contextKey struct{}

// Authenticator issues and validates HS256 session tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator over a shared secret.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// IssueToken signs a session token for the account.
func (a *Authenticator) IssueToken(userID string, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserID: userID,
	})
	return token.SignedString(a.secret)
}

// Verify validates a token string and returns the account id it was
// issued for.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

// Middleware rejects requests without a valid bearer token and stores
// the authenticated account id in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, userID)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", ErrInvalidToken
	}
	return a.Verify(token)
}

// AuthenticatedUser returns the account id the middleware stored, or ""
// outside an authenticated request.
func AuthenticatedUser(ctx context.Context) string {
	userID, _ := ctx.Value(contextKey{}).(string)
	return userID
}
