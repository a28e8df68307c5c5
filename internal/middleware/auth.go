package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/SigNoz/nexus-checkout/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Claims are the access token claims issued by the accounts service
type Claims struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsStaff   bool   `json:"is_staff"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens and attaches the caller to the request
type Authenticator struct {
	secret []byte
	logger *zap.Logger
}

// NewAuthenticator creates an authenticator for tokens signed with secret
func NewAuthenticator(secret string, logger *zap.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// Middleware rejects requests without a valid token with 401
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			a.logger.Debug("authentication failed",
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.Error(err),
			)
			writeDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided or are invalid.")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Authenticate parses an Authorization header value
func (a *Authenticator) Authenticate(header string) (models.Principal, error) {
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(tokenStr) == "" {
		return models.Principal{}, errors.New("missing bearer token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Principal{}, err
	}
	if !token.Valid || claims.UserID <= 0 {
		return models.Principal{}, errors.New("invalid token claims")
	}

	return models.Principal{
		UserID:    claims.UserID,
		Email:     claims.Email,
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
		IsStaff:   claims.IsStaff,
	}, nil
}

// WithPrincipal stores the authenticated caller in ctx
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller stored by the authenticator
func PrincipalFromContext(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(models.Principal)
	return p, ok
}
