package domain

import "context"

// EventPublisher is what platform adapters push events into.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

// TokenRepository persists OAuth token pairs.
type TokenRepository interface {
	Get(ctx context.Context, platform Platform, role string) (*StoredToken, error)
	Save(ctx context.Context, token *StoredToken) error
	List(ctx context.Context) ([]*StoredToken, error)
	Delete(ctx context.Context, platform Platform, role string) error
}
