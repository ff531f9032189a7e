package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/pilemarket/checkout/internal/platform/httpx"
)

const (
	defaultVerifyTimeout = 5 * time.Second

	// DevUserHeader carries the shopper id when authentication is disabled for local runs.
	DevUserHeader = "X-Checkout-User"
)

var (
	// ErrTokenExpired signals an expired Firebase ID token.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals a Firebase ID token that failed verification.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into request identities.
type Authenticator struct {
	verifier TokenVerifier
	required bool
}

// NewAuthenticator returns an Authenticator. When required is false, requests without a bearer token
// fall back to DevUserHeader; a nil verifier then accepts only that header.
func NewAuthenticator(verifier TokenVerifier, required bool) *Authenticator {
	return &Authenticator{verifier: verifier, required: required}
}

// Middleware attaches an Identity to the request context or rejects the request with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, hasToken := extractBearerToken(r.Header.Get("Authorization"))

		if !hasToken {
			if a != nil && !a.required {
				if uid := strings.TrimSpace(r.Header.Get(DevUserHeader)); uid != "" {
					ctx := WithIdentity(r.Context(), &Identity{UID: uid})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			writeAuthError(r.Context(), w, "unauthenticated", "authorization header missing or invalid")
			return
		}
		if a == nil || a.verifier == nil {
			writeAuthError(r.Context(), w, "unauthenticated", "authorization service unavailable")
			return
		}

		token, err := a.verifier.VerifyIDToken(r.Context(), tokenStr)
		if err != nil {
			switch {
			case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
				writeAuthError(r.Context(), w, "token_expired", "firebase id token expired")
			default:
				writeAuthError(r.Context(), w, "invalid_token", "firebase id token invalid")
			}
			return
		}

		identity := &Identity{
			UID:   token.UID,
			Email: claimString(token.Claims, "email"),
			Name:  claimString(token.Claims, "name"),
			Phone: claimString(token.Claims, "phone_number"),
			token: token,
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func claimString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(ctx context.Context, w http.ResponseWriter, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, http.StatusUnauthorized))
}
