package domain

import (
	"log/slog"
	"time"
)

type Platform string

const (
	PlatformTwitch Platform = "twitch"
)

// Credential is an immutable access token plus the authority that issued it.
// The token never leaves through String, GoString or slog.
type Credential struct {
	issuer Platform
	token  string
}

func NewCredential(issuer Platform, token string) *Credential {
	return &Credential{issuer: issuer, token: token}
}

func (c *Credential) Issuer() Platform {
	if c == nil {
		return ""
	}
	return c.issuer
}

func (c *Credential) Token() string {
	if c == nil {
		return ""
	}
	return c.token
}

func (c *Credential) Valid() bool {
	return c != nil && c.token != ""
}

func (c *Credential) String() string {
	return "Credential(" + string(c.Issuer()) + ", <redacted>)"
}

func (c *Credential) GoString() string { return c.String() }

func (c *Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("issuer", string(c.Issuer())),
		slog.String("token", "<redacted>"),
	)
}

// StoredToken is the persisted form of an OAuth token pair.
type StoredToken struct {
	Platform     Platform
	Role         string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
	Metadata     map[string]string
}
