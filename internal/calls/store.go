package calls

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("calls: not found")

// Store is the durable call log.
//
// Writes are per-call upserts; no operation spans two calls. The store is the source
// of truth the dispatcher rebuilds from after a restart.
type Store interface {
	UpsertCall(ctx context.Context, c Call) error
	GetCall(ctx context.Context, callID string) (Call, error)
	GetCallByProviderRef(ctx context.Context, providerRef string) (Call, error)
	ListCallsByCampaign(ctx context.Context, campaignID string) ([]Call, error)
	ListNonTerminalCalls(ctx context.Context) ([]Call, error)

	// AppendDisposition stores d with the next sequence number for its call and
	// points the call at it. The stored row is returned.
	AppendDisposition(ctx context.Context, d Disposition) (Disposition, error)
	ListDispositions(ctx context.Context, callID string) ([]Disposition, error)
}
