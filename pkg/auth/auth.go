// Package auth defines the pluggable identity/authorization boundary the
// orchestrator consults on Auth and Subscribe messages. Grounded on the
// teacher's pluggable XDSUpdater/Authenticator seams in pilot/pkg/xds,
// generalized from mTLS SPIFFE identity to bearer tokens and API keys.
package auth

import "context"

// Identity is the result of a successful token verification.
type Identity struct {
	UserID      string
	Permissions []string
}

// Verifier authenticates inbound Auth messages and authorizes document
// access. A deployment with auth disabled uses AllowAll; a production
// deployment wires a JWT or API-key backed implementation behind the same
// interface.
type Verifier interface {
	VerifyToken(ctx context.Context, token, apiKey string) (Identity, error)
	CanReadDocument(identity Identity, documentID string) bool
	CanWriteDocument(identity Identity, documentID string) bool
}

// allowAll grants every identity full access; used for local development
// and the playground document namespace.
type allowAll struct{}

// AllowAll returns a Verifier that accepts any token (even empty) and
// grants unrestricted read/write access. Never use outside development.
func AllowAll() Verifier { return allowAll{} }

func (allowAll) VerifyToken(ctx context.Context, token, apiKey string) (Identity, error) {
	userID := token
	if userID == "" {
		userID = apiKey
	}
	if userID == "" {
		userID = "anonymous"
	}
	return Identity{UserID: userID, Permissions: []string{"*"}}, nil
}

func (allowAll) CanReadDocument(Identity, string) bool  { return true }
func (allowAll) CanWriteDocument(Identity, string) bool { return true }
