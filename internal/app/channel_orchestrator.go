package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"liveRelay/internal/domain"
	"liveRelay/internal/logging"
	"liveRelay/internal/metrics"
)

const (
	// DefaultResolveTimeout bounds the wait for a channel ID after a join.
	DefaultResolveTimeout = 10 * time.Second
	// DefaultCallTimeout bounds each join and each push subscription call.
	DefaultCallTimeout = 15 * time.Second

	// DefaultJoinRate is JOINs per second.
	DefaultJoinRate = 1.0

	// Twitch allows 20 JOIN attempts per 10 seconds for a regular account.
	joinWindow      = 10 * time.Second
	joinWindowLimit = 20
)

// NewJoinLimiter returns a limiter that admits at most 20 JOINs in any
// 10 second window. perSecond is capped at what the window allows and the
// burst is whatever the window has left.
func NewJoinLimiter(perSecond float64) *rate.Limiter {
	maxRate := float64(joinWindowLimit-1) / joinWindow.Seconds()
	if perSecond <= 0 || perSecond > maxRate {
		perSecond = maxRate
	}
	burst := joinWindowLimit - int(math.Ceil(perSecond*joinWindow.Seconds()))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// ChannelPlatform is the part of the platform client the orchestrator drives.
// Every call may fail on its own; failures only affect that channel.
type ChannelPlatform interface {
	JoinChannel(ctx context.Context, name string) error
	// ResolveChannelID blocks until the ID is known or ctx ends.
	ResolveChannelID(ctx context.Context, name string) (string, error)
	ListenForFollowEvents(ctx context.Context, cred *domain.Credential, channelID string) error
	ListenForSubscriptionEvents(ctx context.Context, cred *domain.Credential, channelID string) error
	ListenForDonationEvents(ctx context.Context, cred *domain.Credential, channelID string) error
}

// SubscriptionToggles gates which push topics are requested per channel.
type SubscriptionToggles struct {
	Follows       bool
	Subscriptions bool
	Donations     bool
}

type OrchestratorConfig struct {
	Platform       ChannelPlatform
	Subscriptions  SubscriptionToggles
	ResolveTimeout time.Duration
	CallTimeout    time.Duration
	JoinLimiter    *rate.Limiter
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// ChannelState is a snapshot of one configured channel.
type ChannelState struct {
	Name   string
	ID     string
	Joined bool
	Active []domain.SubscriptionKind
	Err    error
}

type ChannelFailure struct {
	Channel string
	Err     error
}

// Report summarises one Activate call.
type Report struct {
	Activated []string
	Failed    []ChannelFailure
}

func (r Report) OK() bool { return len(r.Failed) == 0 }

type channelEntry struct {
	name   string
	id     string
	joined bool
	err    error
}

type activeKey struct {
	channelID string
	kind      domain.SubscriptionKind
}

// ChannelOrchestrator joins configured channels and activates the push
// subscriptions that need each channel's numeric ID.
type ChannelOrchestrator struct {
	platform       ChannelPlatform
	toggles        SubscriptionToggles
	resolveTimeout time.Duration
	callTimeout    time.Duration
	limiter        *rate.Limiter
	logger         *slog.Logger
	metrics        *metrics.Metrics

	mu       sync.RWMutex
	order    []string
	channels map[string]*channelEntry
	active   map[activeKey]struct{}
}

func NewChannelOrchestrator(cfg OrchestratorConfig) *ChannelOrchestrator {
	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	limiter := cfg.JoinLimiter
	if limiter == nil {
		limiter = NewJoinLimiter(DefaultJoinRate)
	}
	return &ChannelOrchestrator{
		platform:       cfg.Platform,
		toggles:        cfg.Subscriptions,
		resolveTimeout: timeout,
		callTimeout:    callTimeout,
		limiter:        limiter,
		logger:         logging.OrDefault(cfg.Logger),
		metrics:        cfg.Metrics,
		channels:       make(map[string]*channelEntry),
		active:         make(map[activeKey]struct{}),
	}
}

// Activate processes channels in list order. A channel whose join,
// resolution or subscription fails is abandoned and reported once; the rest
// still proceed. Calling Activate again never re-issues a subscription that
// is already active.
func (o *ChannelOrchestrator) Activate(ctx context.Context, channels []string, cred *domain.Credential) Report {
	var report Report

	for _, name := range domain.SanitizeChannels(channels) {
		if err := ctx.Err(); err != nil {
			o.fail(&report, name, err)
			continue
		}

		err := o.activateChannel(ctx, name, cred)
		if err != nil {
			o.fail(&report, name, err)
			continue
		}

		report.Activated = append(report.Activated, name)
		o.metrics.ChannelActivation("ok")
		o.logger.Info("twitch: channel activated", "channel", name, "channel_id", o.channelID(name))
	}

	return report
}

func (o *ChannelOrchestrator) fail(report *Report, name string, err error) {
	entry := o.track(name)
	o.mu.Lock()
	entry.err = err
	o.mu.Unlock()

	report.Failed = append(report.Failed, ChannelFailure{Channel: name, Err: err})
	o.metrics.ChannelActivation("failed")
	o.logger.Error("twitch: channel activation abandoned", "channel", name, "error", err)
}

func (o *ChannelOrchestrator) activateChannel(ctx context.Context, name string, cred *domain.Credential) error {
	o.track(name)

	if !cred.Valid() {
		return fmt.Errorf("activate %s: %w", name, domain.ErrMissingCredential)
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("join %s: %w", name, err)
	}
	if err := o.join(ctx, name); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrJoinFailed, name, err)
	}
	o.update(name, func(e *channelEntry) { e.joined = true })

	id, err := o.resolve(ctx, name)
	if err != nil {
		return err
	}
	o.update(name, func(e *channelEntry) { e.id = id })

	for _, kind := range o.enabledKinds() {
		if err := o.listen(ctx, cred, id, kind); err != nil {
			return err
		}
	}
	return nil
}

func (o *ChannelOrchestrator) join(ctx context.Context, name string) error {
	joinCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.platform.JoinChannel(joinCtx, name)
}

func (o *ChannelOrchestrator) resolve(ctx context.Context, name string) (string, error) {
	resolveCtx, cancel := context.WithTimeout(ctx, o.resolveTimeout)
	defer cancel()

	id, err := o.platform.ResolveChannelID(resolveCtx, name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrUnresolvedChannel, name, err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrUnresolvedChannel, name)
	}
	return id, nil
}

func (o *ChannelOrchestrator) enabledKinds() []domain.SubscriptionKind {
	var kinds []domain.SubscriptionKind
	if o.toggles.Follows {
		kinds = append(kinds, domain.SubscriptionFollow)
	}
	if o.toggles.Subscriptions {
		kinds = append(kinds, domain.SubscriptionSubscription)
	}
	if o.toggles.Donations {
		kinds = append(kinds, domain.SubscriptionDonation)
	}
	return kinds
}

func (o *ChannelOrchestrator) listen(ctx context.Context, cred *domain.Credential, channelID string, kind domain.SubscriptionKind) error {
	key := activeKey{channelID: channelID, kind: kind}

	o.mu.Lock()
	if _, ok := o.active[key]; ok {
		o.mu.Unlock()
		return nil
	}
	// claimed before the call so a concurrent Activate cannot double-issue
	o.active[key] = struct{}{}
	o.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	var err error
	switch kind {
	case domain.SubscriptionFollow:
		err = o.platform.ListenForFollowEvents(callCtx, cred, channelID)
	case domain.SubscriptionSubscription:
		err = o.platform.ListenForSubscriptionEvents(callCtx, cred, channelID)
	case domain.SubscriptionDonation:
		err = o.platform.ListenForDonationEvents(callCtx, cred, channelID)
	default:
		err = fmt.Errorf("unknown subscription kind %q", kind)
	}

	if err != nil {
		o.mu.Lock()
		delete(o.active, key)
		o.mu.Unlock()
		return fmt.Errorf("%w: %s for %s: %w", domain.ErrSubscriptionFailed, kind, channelID, err)
	}
	return nil
}

func (o *ChannelOrchestrator) track(name string) *channelEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.channels[name]
	if !ok {
		entry = &channelEntry{name: name}
		o.channels[name] = entry
		o.order = append(o.order, name)
	}
	return entry
}

func (o *ChannelOrchestrator) update(name string, fn func(*channelEntry)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.channels[name]; ok {
		fn(entry)
		entry.err = nil
	}
}

func (o *ChannelOrchestrator) channelID(name string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if entry, ok := o.channels[name]; ok {
		return entry.id
	}
	return ""
}

// State returns the snapshot for one channel.
func (o *ChannelOrchestrator) State(name string) (ChannelState, bool) {
	name = domain.NormalizeChannel(name)
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.channels[name]
	if !ok {
		return ChannelState{}, false
	}
	return o.snapshot(entry), true
}

// States returns snapshots in the order channels were first seen.
func (o *ChannelOrchestrator) States() []ChannelState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ChannelState, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.snapshot(o.channels[name]))
	}
	return out
}

func (o *ChannelOrchestrator) snapshot(entry *channelEntry) ChannelState {
	state := ChannelState{
		Name:   entry.name,
		ID:     entry.id,
		Joined: entry.joined,
		Err:    entry.err,
	}
	if entry.id != "" {
		for _, kind := range []domain.SubscriptionKind{domain.SubscriptionFollow, domain.SubscriptionSubscription, domain.SubscriptionDonation} {
			if _, ok := o.active[activeKey{channelID: entry.id, kind: kind}]; ok {
				state.Active = append(state.Active, kind)
			}
		}
	}
	return state
}
