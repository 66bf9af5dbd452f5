package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNoCredential is returned when a provider has nothing to hand out.
var ErrNoCredential = errors.New("no credential available")

// Credential is a bearer token together with the user it acts for.
type Credential struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry. A zero expiry never expires.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Provider supplies a credential for each outgoing request.
type Provider interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticProvider always returns the same credential.
type StaticProvider struct {
	Cred Credential
}

func NewStaticProvider(token, userID string) *StaticProvider {
	return &StaticProvider{Cred: Credential{Token: strings.TrimSpace(token), UserID: strings.TrimSpace(userID)}}
}

func (p *StaticProvider) Credential(context.Context) (Credential, error) {
	if p == nil || p.Cred.Token == "" {
		return Credential{}, ErrNoCredential
	}
	if p.Cred.Expired(time.Now()) {
		return Credential{}, ErrExpiredToken
	}
	return p.Cred, nil
}

// SigningProvider mints short-lived tokens from a shared secret and reuses each one
// until it is within refreshBefore of expiring.
type SigningProvider struct {
	secret        []byte
	userID        string
	name          string
	ttl           time.Duration
	refreshBefore time.Duration

	mu      sync.Mutex
	current Credential
	now     func() time.Time
}

func NewSigningProvider(secret, userID, name string, ttl time.Duration) *SigningProvider {
	return &SigningProvider{
		secret:        []byte(secret),
		userID:        strings.TrimSpace(userID),
		name:          name,
		ttl:           ttl,
		refreshBefore: ttl / 10,
		now:           time.Now,
	}
}

func (p *SigningProvider) Credential(context.Context) (Credential, error) {
	if p.userID == "" || len(p.secret) == 0 {
		return Credential{}, ErrNoCredential
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.current.Token != "" && now.Add(p.refreshBefore).Before(p.current.ExpiresAt) {
		return p.current, nil
	}
	token, err := IssueToken(p.secret, p.userID, p.name, p.ttl)
	if err != nil {
		return Credential{}, err
	}
	p.current = Credential{Token: token, UserID: p.userID, ExpiresAt: now.Add(p.ttl)}
	return p.current, nil
}
