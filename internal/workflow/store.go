package workflow

import (
	"context"

	"github.com/aribuy/apms-sub002/internal/rbac"
)

// Store is the persistence collaborator of the engine. InTx runs fn as one
// atomic unit: either every write made through tx is committed or none is.
// Implementations must serialize units that lock the same document.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of the store inside one unit of work. Lookups of missing
// rows return an error wrapping ErrRecordNotFound.
type Tx interface {
	NextDocumentSequence(ctx context.Context, category Category) (int, error)
	CreateDocument(ctx context.Context, doc Document) error
	CreateStages(ctx context.Context, stages []ReviewStage) error

	// LockDocument loads a document and holds it for the rest of the unit.
	LockDocument(ctx context.Context, documentID string) (Document, error)
	GetDocument(ctx context.Context, documentID string) (Document, error)
	GetDocumentByCode(ctx context.Context, code string) (Document, error)
	UpdateDocument(ctx context.Context, doc Document) error

	// ListStages returns the stages of a document ordered by stage number.
	ListStages(ctx context.Context, documentID string) ([]ReviewStage, error)
	GetStage(ctx context.Context, stageID string) (ReviewStage, error)
	FindPendingStage(ctx context.Context, documentID string) (ReviewStage, bool, error)
	UpdateStage(ctx context.Context, stage ReviewStage) error
	// ListPendingStages returns every pending stage, optionally restricted to
	// one assigned role, ordered by SLA deadline.
	ListPendingStages(ctx context.Context, role rbac.Role) ([]ReviewStage, error)

	CreatePunchlistItem(ctx context.Context, item PunchlistItem) error
	GetPunchlistItem(ctx context.Context, itemID string) (PunchlistItem, error)
	UpdatePunchlistItem(ctx context.Context, item PunchlistItem) error
	// ListPunchlistItems returns the items of a document in creation order.
	ListPunchlistItems(ctx context.Context, documentID string) ([]PunchlistItem, error)
}
