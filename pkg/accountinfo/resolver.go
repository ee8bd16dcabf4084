package accountinfo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/bonding"
	"github.com/canopy-network/bondingx/pkg/rpc"
)

// ErrUnavailable is returned when neither the store nor the fetcher can produce a document.
var ErrUnavailable = errors.New("account info unavailable")

// Resolver answers account config requests from the store, falling back to a live fetch.
type Resolver struct {
	store   Store
	fetcher rpc.AccountFetcher
	logger  *zap.Logger
}

// NewResolver returns a Resolver. fetcher may be nil, in which case only stored documents are served.
func NewResolver(store Store, fetcher rpc.AccountFetcher, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, fetcher: fetcher, logger: logger.Named("accountinfo")}
}

// Resolve returns the JSON config document of address.
func (r *Resolver) Resolve(ctx context.Context, address string) ([]byte, error) {
	doc, ok, err := r.store.Get(ctx, address)
	if err != nil {
		r.logger.Warn("Account store lookup failed", zap.String("address", address), zap.Error(err))
	}
	if ok {
		return doc, nil
	}
	if r.fetcher == nil {
		return nil, fmt.Errorf("%w: %s not cached", ErrUnavailable, address)
	}

	info, err := r.fetcher.GetAccountInfo(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	snap, err := bonding.Decode(info.Data, bonding.Metadata{
		Address:    address,
		Slot:       info.Slot,
		Owner:      info.Owner,
		Lamports:   info.Lamports,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	doc, err = snap.Fields.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if err := r.store.Put(ctx, address, doc); err != nil {
		r.logger.Warn("Failed to cache fetched account", zap.String("address", address), zap.Error(err))
	}
	return doc, nil
}
