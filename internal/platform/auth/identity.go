package auth

import (
	"context"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Identity is the authenticated shopper.
type Identity struct {
	UID   string
	Email string
	Name  string
	Phone string

	token *firebaseauth.Token
}

// Token returns the decoded ID token, or nil for identities not backed by Firebase.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

type identityKey struct{}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
