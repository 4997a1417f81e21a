package workflow

import (
	"context"
	"strings"

	"github.com/aribuy/apms-sub002/internal/rbac"
)

type RectificationInput struct {
	PunchlistItemID    string
	RectificationNotes string
	CompletedBy        string
	ActorRole          rbac.Role
}

// StartRectification marks an identified punchlist item as being worked on.
// Document status does not change; only UpdatedAt moves.
func (e *Engine) StartRectification(ctx context.Context, itemID, actorID string, role rbac.Role) (PunchlistItem, error) {
	const op = "startRectification"

	if !rbac.Can(role, rbac.ActionRectify) {
		return PunchlistItem{}, forbidden(op, "role may not rectify punchlist items", map[string]any{"role": role})
	}

	now := e.now()
	var (
		item  PunchlistItem
		model ReadModel
	)
	err := e.store.InTx(ctx, func(tx Tx) error {
		found, err := tx.GetPunchlistItem(ctx, itemID)
		if err != nil {
			return notFoundOr(op, "punchlist item", err)
		}
		doc, err := tx.LockDocument(ctx, found.DocumentID)
		if err != nil {
			return err
		}
		if item, err = tx.GetPunchlistItem(ctx, itemID); err != nil {
			return err
		}
		if doc.CurrentStatus.Terminal() {
			return conflict(op, "document is already "+string(doc.CurrentStatus), nil)
		}
		if item.Status != PunchlistIdentified {
			return conflict(op, "punchlist item is "+string(item.Status), map[string]any{"status": item.Status})
		}
		item.Status = PunchlistInProgress
		if err := tx.UpdatePunchlistItem(ctx, item); err != nil {
			return err
		}
		doc.UpdatedAt = now
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		model, err = loadModel(ctx, tx, doc)
		return err
	})
	if err != nil {
		return PunchlistItem{}, err
	}
	e.notify(ctx, TransitionEvent{
		Type:       EventPunchlistUpdate,
		ActorID:    actorID,
		ActorRole:  role,
		OccurredAt: now,
		Model:      model,
	})
	return item, nil
}

// CompleteRectification closes a punchlist item. When it was the last
// outstanding item of a document whose stages are all approved, the
// document becomes approved in the same unit of work. While stages remain
// the document status is left as it is.
func (e *Engine) CompleteRectification(ctx context.Context, in RectificationInput) (PunchlistItem, ReadModel, error) {
	const op = "completeRectification"

	if !rbac.Can(in.ActorRole, rbac.ActionRectify) {
		return PunchlistItem{}, ReadModel{}, forbidden(op, "role may not rectify punchlist items", map[string]any{"role": in.ActorRole})
	}
	notes := strings.TrimSpace(in.RectificationNotes)
	if notes == "" {
		return PunchlistItem{}, ReadModel{}, invalidTransition(op, "rectificationNotes is required", nil)
	}
	if strings.TrimSpace(in.CompletedBy) == "" {
		return PunchlistItem{}, ReadModel{}, invalidTransition(op, "completedBy is required", nil)
	}

	now := e.now()
	var (
		item  PunchlistItem
		model ReadModel
	)
	err := e.store.InTx(ctx, func(tx Tx) error {
		found, err := tx.GetPunchlistItem(ctx, in.PunchlistItemID)
		if err != nil {
			return notFoundOr(op, "punchlist item", err)
		}
		// Lock first, then re-read: a concurrent rectification may have
		// completed the item in between.
		doc, err := tx.LockDocument(ctx, found.DocumentID)
		if err != nil {
			return err
		}
		if item, err = tx.GetPunchlistItem(ctx, in.PunchlistItemID); err != nil {
			return err
		}
		if doc.CurrentStatus.Terminal() {
			return conflict(op, "document is already "+string(doc.CurrentStatus), nil)
		}
		if item.Status == PunchlistCompleted {
			return conflict(op, "punchlist item is already completed", map[string]any{"punchlistNumber": item.PunchlistNumber})
		}

		item.Status = PunchlistCompleted
		item.RectificationNotes = notes
		item.CompletedBy = in.CompletedBy
		item.CompletedAt = timePtr(now)
		if err := tx.UpdatePunchlistItem(ctx, item); err != nil {
			return err
		}

		model, err = loadModel(ctx, tx, doc)
		if err != nil {
			return err
		}
		reevaluate(&model.Document, model.Stages, model.PunchlistItems, now)
		model.Document.UpdatedAt = now
		return tx.UpdateDocument(ctx, model.Document)
	})
	if err != nil {
		return PunchlistItem{}, ReadModel{}, err
	}

	event := TransitionEvent{
		Type:       EventRectified,
		ActorID:    in.CompletedBy,
		ActorRole:  in.ActorRole,
		OccurredAt: now,
		Model:      model,
	}
	if model.Document.CurrentStatus == StatusApproved {
		event.Type = EventApproved
	}
	e.logger.Info("punchlist item rectified",
		"punchlistNumber", item.PunchlistNumber,
		"documentCode", model.Document.Code,
		"outstanding", model.OutstandingPunchlist(),
		"currentStatus", model.Document.CurrentStatus)
	e.notify(ctx, event)
	return item, model, nil
}
