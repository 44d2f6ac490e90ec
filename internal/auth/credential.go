package auth

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// DefaultScope is the token scope requested when none is configured.
const DefaultScope = "api://lobbyrelay/.default"

// Credential is an Identity backed by an azcore.TokenCredential. The player
// id is configured rather than assigned by the service.
type Credential struct {
	cred     azcore.TokenCredential
	scope    string
	playerID string
	signedIn atomic.Bool
}

// NewDefaultCredential creates a Credential using DefaultAzureCredential.
func NewDefaultCredential(playerID, scope string) (*Credential, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}
	return NewCredential(cred, playerID, scope), nil
}

// NewCredential creates a Credential with a specific TokenCredential. An
// empty scope selects DefaultScope.
func NewCredential(cred azcore.TokenCredential, playerID, scope string) *Credential {
	if scope == "" {
		scope = DefaultScope
	}
	return &Credential{cred: cred, scope: scope, playerID: playerID}
}

// SignIn acquires a token once to prove the credential works.
func (c *Credential) SignIn(ctx context.Context) error {
	if c.playerID == "" {
		return fmt.Errorf("credential sign-in: player id is required")
	}
	if _, err := c.Token(ctx); err != nil {
		return err
	}
	c.signedIn.Store(true)
	return nil
}

// IsSignedIn reports whether SignIn has succeeded.
func (c *Credential) IsSignedIn() bool { return c.signedIn.Load() }

// PlayerID returns the configured player id.
func (c *Credential) PlayerID() string { return c.playerID }

// Token obtains an OAuth2 token for the configured scope. The credential
// caches and refreshes tokens itself.
func (c *Credential) Token(ctx context.Context) (string, error) {
	tk, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{c.scope},
	})
	if err != nil {
		return "", fmt.Errorf("acquire Entra token: %w", err)
	}
	return tk.Token, nil
}
