// Package auth provides the player identities lobbyrelay signs in with.
//
// Two providers exist: Anonymous signs in against the services' anonymous
// authentication endpoint and gets a player id assigned, and Credential
// obtains OAuth2 tokens from an azcore.TokenCredential (Entra ID via
// DefaultAzureCredential) for a configured player id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/philsphicas/lobbyrelay/internal/rest"
)

// ErrNotSignedIn is returned by Token before a successful SignIn.
var ErrNotSignedIn = errors.New("not signed in")

// Identity is the sign-in collaborator used by the bootstrap machines.
// SignIn may run on another goroutine while IsSignedIn is polled.
type Identity interface {
	SignIn(ctx context.Context) error
	IsSignedIn() bool
	PlayerID() string
	Token(ctx context.Context) (string, error)
}

// tokenRefreshMargin is how long before expiry a token is considered stale.
const tokenRefreshMargin = 1 * time.Minute

type session struct {
	playerID string
	token    string
	expires  time.Time
}

// Anonymous signs in with the anonymous authentication endpoint.
type Anonymous struct {
	client  *rest.Client
	current atomic.Pointer[session]
	now     func() time.Time
}

// NewAnonymous creates an anonymous identity against the auth service at
// baseURL. opts.Tokens is ignored.
func NewAnonymous(baseURL string, opts *rest.Options) (*Anonymous, error) {
	var o rest.Options
	if opts != nil {
		o = *opts
	}
	o.Tokens = nil
	c, err := rest.NewClient("auth", baseURL, &o)
	if err != nil {
		return nil, err
	}
	return &Anonymous{client: c, now: time.Now}, nil
}

// SignIn requests a new anonymous session.
func (a *Anonymous) SignIn(ctx context.Context) error {
	var resp protocol.SignInResponse
	if err := a.client.Do(ctx, http.MethodPost, "sign-in", "/v1/authentication/anonymous", struct{}{}, &resp); err != nil {
		return err
	}
	if resp.IDToken == "" || resp.UserID == "" {
		return fmt.Errorf("sign-in: incomplete response")
	}
	s := &session{playerID: resp.UserID, token: resp.IDToken}
	if resp.ExpiresIn > 0 {
		s.expires = a.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	a.current.Store(s)
	return nil
}

// IsSignedIn reports whether a session exists that has not expired.
func (a *Anonymous) IsSignedIn() bool {
	s := a.current.Load()
	return s != nil && (s.expires.IsZero() || a.now().Before(s.expires.Add(-tokenRefreshMargin)))
}

// PlayerID returns the id assigned at sign-in, or "".
func (a *Anonymous) PlayerID() string {
	if s := a.current.Load(); s != nil {
		return s.playerID
	}
	return ""
}

// Token returns the session token, signing in again if it has expired.
func (a *Anonymous) Token(ctx context.Context) (string, error) {
	if !a.IsSignedIn() {
		if a.current.Load() == nil {
			return "", ErrNotSignedIn
		}
		if err := a.SignIn(ctx); err != nil {
			return "", fmt.Errorf("refresh session: %w", err)
		}
	}
	return a.current.Load().token, nil
}
