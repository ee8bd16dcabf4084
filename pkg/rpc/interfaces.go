package rpc

import (
	"context"

	"github.com/canopy-network/bondingx/pkg/models"
)

// EventStream yields upstream events for one live subscription.
// Recv returns an error once the stream is broken; a broken stream never recovers and must be closed.
type EventStream interface {
	Recv(ctx context.Context) (models.RawEvent, error)
	Close() error
}

// Source opens event streams. Subscribe returns once the upstream has acknowledged every subscription.
type Source interface {
	Subscribe(ctx context.Context, filter models.SubscriptionFilter) (EventStream, error)
}

// AccountFetcher reads the current on-chain state of one account.
type AccountFetcher interface {
	GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error)
}
