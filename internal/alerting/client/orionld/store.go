package orionld

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("orionld: entity not found")
	ErrConflict = errors.New("orionld: entity already exists")
)

// Store is the tenant-scoped entity CRUD surface of the context broker.
// out and entity values are JSON-encoded NGSI-LD entities.
type Store interface {
	GetEntity(ctx context.Context, tenant, id string, out any) error
	CreateEntity(ctx context.Context, tenant string, entity any) error
	// UpdateEntity patches the given top-level attributes of an entity.
	UpdateEntity(ctx context.Context, tenant, id string, attrs any) error
}
