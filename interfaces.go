// interfaces.go
// The Data Provider port consumed by the cache and the mutation queue.
// Driver packages under providers/ implement it.

package recordsync

import "context"

// DataProvider is the CRUD capability against a resource store. Providers
// report missing records with ErrNotFound, rejected writes with a
// *ValidationError and stale writes with ErrConflict; any other error is
// treated as a network failure.
type DataProvider interface {
	GetOne(ctx context.Context, resource string, id ID) (Record, error)
	GetList(ctx context.Context, resource string, params ListParams) (ListResult, error)
	GetMany(ctx context.Context, resource string, ids []ID) ([]Record, error)
	Create(ctx context.Context, resource string, data Record) (Record, error)
	Update(ctx context.Context, resource string, id ID, data Record, previous Record) (Record, error)
	UpdateMany(ctx context.Context, resource string, ids []ID, data Record) ([]ID, error)
	Delete(ctx context.Context, resource string, id ID, previous Record) (Record, error)
	DeleteMany(ctx context.Context, resource string, ids []ID) ([]ID, error)
}

// Capabilities advertises which batched variants a provider serves in a
// single call.
type Capabilities struct {
	UpdateMany bool
	DeleteMany bool
}

// CapabilityProvider is implemented by providers with batch support.
// Providers that do not implement it get per-id calls.
type CapabilityProvider interface {
	Capabilities() Capabilities
}

func capabilitiesOf(p DataProvider) Capabilities {
	if cp, ok := p.(CapabilityProvider); ok {
		return cp.Capabilities()
	}
	return Capabilities{}
}
