package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"liveRelay/internal/domain"
	"liveRelay/internal/logging"
)

const (
	DefaultTokenURL        = "https://id.twitch.tv/oauth2/token"
	DefaultRefreshInterval = 30 * time.Minute

	refreshMargin = 10 * time.Minute
)

type TwitchConfig struct {
	ClientID     string
	ClientSecret string
	// TokenURL defaults to the Twitch OAuth endpoint.
	TokenURL string
}

// TokenHook runs after a token was refreshed and saved.
type TokenHook func(ctx context.Context, token *domain.StoredToken)

// Refresher renews stored Twitch tokens before they expire.
type Refresher struct {
	repo      domain.TokenRepository
	twitchCfg TwitchConfig
	httpCli   *http.Client
	logger    *slog.Logger
	now       func() time.Time

	hooksMu sync.RWMutex
	hooks   []TokenHook

	lastMu   sync.Mutex
	lastPass time.Time
}

func NewRefresher(repo domain.TokenRepository, twitchCfg TwitchConfig, logger *slog.Logger) *Refresher {
	if twitchCfg.TokenURL == "" {
		twitchCfg.TokenURL = DefaultTokenURL
	}
	return &Refresher{
		repo:      repo,
		twitchCfg: twitchCfg,
		httpCli: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
}

func (r *Refresher) RegisterHook(h TokenHook) {
	if h == nil {
		return
	}
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, h)
}

func (r *Refresher) notifyHooks(ctx context.Context, token *domain.StoredToken) {
	r.hooksMu.RLock()
	hooks := append([]TokenHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, token)
	}
}

// Run refreshes immediately unless a pass already ran within interval, then
// every interval until ctx ends.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	if r.sinceLastPass() >= interval {
		if err := r.RefreshAll(ctx); err != nil {
			r.logger.Warn("token refresher: refresh failed", "error", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.RefreshAll(ctx); err != nil {
				r.logger.Warn("token refresher: refresh failed", "error", err)
			}
		}
	}
}

// sinceLastPass is how long ago RefreshAll last went through the stored
// tokens; it is unbounded before the first pass.
func (r *Refresher) sinceLastPass() time.Duration {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	if r.lastPass.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return r.now().Sub(r.lastPass)
}

// RefreshAll renews every stored Twitch token close to expiry. A token Twitch
// rejects outright is deleted so the configured one is used again; other
// tokens are still tried.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}

	tokens, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("refresher: list tokens: %w", err)
	}
	defer func() {
		r.lastMu.Lock()
		r.lastPass = r.now()
		r.lastMu.Unlock()
	}()

	var errs []error
	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}

		if tok == nil || tok.RefreshToken == "" || tok.Platform != domain.PlatformTwitch {
			continue
		}

		if !r.needsRefresh(tok) {
			continue
		}

		err := r.refreshTwitch(ctx, tok)
		if errors.Is(err, domain.ErrTokenRevoked) {
			if delErr := r.repo.Delete(ctx, tok.Platform, tok.Role); delErr != nil {
				err = errors.Join(err, fmt.Errorf("refresher: delete revoked token: %w", delErr))
			} else {
				r.logger.Warn("token refresher: revoked token removed", "platform", tok.Platform, "role", tok.Role)
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Refresher) needsRefresh(tok *domain.StoredToken) bool {
	if tok.ExpiresAt.IsZero() {
		return true
	}
	return tok.ExpiresAt.Sub(r.now()) < refreshMargin
}

func (r *Refresher) refreshTwitch(ctx context.Context, tok *domain.StoredToken) error {
	if r.twitchCfg.ClientID == "" || r.twitchCfg.ClientSecret == "" {
		return fmt.Errorf("refresher: twitch client id/secret missing")
	}

	data := url.Values{}
	data.Set("client_id", r.twitchCfg.ClientID)
	data.Set("client_secret", r.twitchCfg.ClientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", tok.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.twitchCfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("refresher: twitch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpCli.Do(req)
	if err != nil {
		return fmt.Errorf("refresher: twitch http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("refresher: twitch read body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized:
		return fmt.Errorf("refresher: %w: twitch status %d: %s", domain.ErrTokenRevoked, resp.StatusCode, string(body))
	default:
		return fmt.Errorf("refresher: twitch status %d: %s", resp.StatusCode, string(body))
	}

	var payload twitchTokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("refresher: twitch decode: %w", err)
	}
	if payload.AccessToken == "" {
		return fmt.Errorf("refresher: twitch returned no access token")
	}

	now := r.now()
	tok.AccessToken = payload.AccessToken
	if payload.RefreshToken != "" {
		tok.RefreshToken = payload.RefreshToken
	}
	tok.ExpiresAt = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	tok.UpdatedAt = now

	if err := r.repo.Save(ctx, tok); err != nil {
		return err
	}
	r.logger.Info("token refresher: token renewed", "platform", tok.Platform, "role", tok.Role, "expires_at", tok.ExpiresAt)
	r.notifyHooks(ctx, tok)
	return nil
}

type twitchTokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}
