package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"liveRelay/internal/domain"
)

// BotRole is the token role the relay authenticates with.
const BotRole = "bot"

// Provider builds the process credential from configuration, preferring a
// newer token saved by the refresher.
type Provider struct {
	repo domain.TokenRepository
	now  func() time.Time
}

// NewProvider accepts a nil repo; the configured token is then used as is.
func NewProvider(repo domain.TokenRepository) *Provider {
	return &Provider{repo: repo, now: time.Now}
}

// Seed stores the configured token pair when nothing is stored yet, so the
// refresher has a refresh token to work with.
func (p *Provider) Seed(ctx context.Context, accessToken, refreshToken string) error {
	accessToken = StripOAuthPrefix(accessToken)
	refreshToken = strings.TrimSpace(refreshToken)
	if p.repo == nil || accessToken == "" || refreshToken == "" {
		return nil
	}

	existing, err := p.repo.Get(ctx, domain.PlatformTwitch, BotRole)
	if err != nil {
		return fmt.Errorf("credentials: seed: %w", err)
	}
	if existing != nil {
		return nil
	}

	return p.repo.Save(ctx, &domain.StoredToken{
		Platform:     domain.PlatformTwitch,
		Role:         BotRole,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
}

// Credential returns the stored token when it is still valid, otherwise the
// configured one. Both empty is ErrMissingCredential.
func (p *Provider) Credential(ctx context.Context, configured string) (*domain.Credential, error) {
	token := StripOAuthPrefix(configured)

	if p.repo != nil {
		stored, err := p.repo.Get(ctx, domain.PlatformTwitch, BotRole)
		if err != nil {
			return nil, fmt.Errorf("credentials: load stored token: %w", err)
		}
		if stored != nil && stored.AccessToken != "" &&
			(stored.ExpiresAt.IsZero() || stored.ExpiresAt.After(p.now())) {
			token = StripOAuthPrefix(stored.AccessToken)
		}
	}

	if token == "" {
		return nil, domain.ErrMissingCredential
	}
	return domain.NewCredential(domain.PlatformTwitch, token), nil
}

// StripOAuthPrefix removes the IRC "oauth:" prefix; REST calls want the raw
// token.
func StripOAuthPrefix(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= len("oauth:") && strings.EqualFold(token[:len("oauth:")], "oauth:") {
		token = token[len("oauth:"):]
	}
	return token
}
