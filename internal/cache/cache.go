package cache

import (
	"context"
	"errors"
	"time"
)

var ErrMiss = errors.New("cache: miss")

// ProviderIndex maps a provider's message id back to the internal message id.
type ProviderIndex interface {
	StoreSent(ctx context.Context, provider, providerMessageID, messageID string, sentAt time.Time) error
	Lookup(ctx context.Context, provider, providerMessageID string) (string, error)
}
