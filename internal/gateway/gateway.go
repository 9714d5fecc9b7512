// Package gateway persists the association rows linking a permanent blob's
// storage key to its owning record. The engine only ever creates and
// deletes associations through the Gateway interface; reads belong to the
// surrounding record-loading flow and are exposed separately.
package gateway

import (
	"context"

	"stagevault/internal/model"
)

// Gateway is the engine-facing contract. CreateAssociations is a single
// batched call: the engine never issues per-file inserts, so a partial
// insert is a gateway-level concern, not the engine's.
type Gateway interface {
	CreateAssociations(ctx context.Context, recordID string, specs []model.AssociationSpec) ([]model.PermanentAttachment, error)
	DeleteAssociation(ctx context.Context, id string) error
}
