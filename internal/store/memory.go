package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/aribuy/apms-sub002/internal/rbac"
	"github.com/aribuy/apms-sub002/internal/workflow"
)

// MemoryStore keeps the workflow state in process. Units of work run one at
// a time. A unit reads the shared state directly and copies it on its first
// write; the copy replaces the shared state only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	documents map[string]workflow.Document
	codes     map[string]string
	stages    map[string]workflow.ReviewStage
	items     map[string]workflow.PunchlistItem
	itemOrder map[string]int
	sequences map[workflow.Category]int
	nextOrder int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memoryState{
		documents: map[string]workflow.Document{},
		codes:     map[string]string{},
		stages:    map[string]workflow.ReviewStage{},
		items:     map[string]workflow.PunchlistItem{},
		itemOrder: map[string]int{},
		sequences: map[workflow.Category]int{},
	}}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx workflow.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{state: s.state}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// ListDocuments returns every document ordered by submission time then code.
func (s *MemoryStore) ListDocuments(ctx context.Context) ([]workflow.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	documents := slices.Collect(maps.Values(s.state.documents))
	slices.SortFunc(documents, func(a, b workflow.Document) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Code, b.Code)
	})
	return documents, nil
}

func (st memoryState) clone() memoryState {
	return memoryState{
		documents: maps.Clone(st.documents),
		codes:     maps.Clone(st.codes),
		stages:    maps.Clone(st.stages),
		items:     maps.Clone(st.items),
		itemOrder: maps.Clone(st.itemOrder),
		sequences: maps.Clone(st.sequences),
		nextOrder: st.nextOrder,
	}
}

type memoryTx struct {
	state memoryState
	dirty bool
}

// write must precede every mutation of tx.state.
func (tx *memoryTx) write() {
	if !tx.dirty {
		tx.state = tx.state.clone()
		tx.dirty = true
	}
}

func (tx *memoryTx) NextDocumentSequence(_ context.Context, category workflow.Category) (int, error) {
	tx.write()
	tx.state.sequences[category]++
	return tx.state.sequences[category], nil
}

func (tx *memoryTx) CreateDocument(_ context.Context, doc workflow.Document) error {
	if _, exists := tx.state.documents[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	if _, exists := tx.state.codes[doc.Code]; exists {
		return fmt.Errorf("document code %s already exists", doc.Code)
	}
	tx.write()
	tx.state.documents[doc.ID] = doc
	tx.state.codes[doc.Code] = doc.ID
	return nil
}

func (tx *memoryTx) CreateStages(_ context.Context, stages []workflow.ReviewStage) error {
	for _, stage := range stages {
		if _, ok := tx.state.documents[stage.DocumentID]; !ok {
			return fmt.Errorf("stage %s: document %s: %w", stage.ID, stage.DocumentID, workflow.ErrRecordNotFound)
		}
		tx.write()
		tx.state.stages[stage.ID] = stage
	}
	return nil
}

func (tx *memoryTx) LockDocument(ctx context.Context, documentID string) (workflow.Document, error) {
	return tx.GetDocument(ctx, documentID)
}

func (tx *memoryTx) GetDocument(_ context.Context, documentID string) (workflow.Document, error) {
	doc, ok := tx.state.documents[documentID]
	if !ok {
		return workflow.Document{}, fmt.Errorf("document %s: %w", documentID, workflow.ErrRecordNotFound)
	}
	return doc, nil
}

func (tx *memoryTx) GetDocumentByCode(ctx context.Context, code string) (workflow.Document, error) {
	id, ok := tx.state.codes[code]
	if !ok {
		return workflow.Document{}, fmt.Errorf("document code %s: %w", code, workflow.ErrRecordNotFound)
	}
	return tx.GetDocument(ctx, id)
}

func (tx *memoryTx) UpdateDocument(_ context.Context, doc workflow.Document) error {
	if _, ok := tx.state.documents[doc.ID]; !ok {
		return fmt.Errorf("document %s: %w", doc.ID, workflow.ErrRecordNotFound)
	}
	tx.write()
	tx.state.documents[doc.ID] = doc
	return nil
}

func (tx *memoryTx) ListStages(_ context.Context, documentID string) ([]workflow.ReviewStage, error) {
	stages := make([]workflow.ReviewStage, 0)
	for _, stage := range tx.state.stages {
		if stage.DocumentID == documentID {
			stages = append(stages, stage)
		}
	}
	slices.SortFunc(stages, func(a, b workflow.ReviewStage) int {
		return cmp.Compare(a.StageNumber, b.StageNumber)
	})
	return stages, nil
}

func (tx *memoryTx) GetStage(_ context.Context, stageID string) (workflow.ReviewStage, error) {
	stage, ok := tx.state.stages[stageID]
	if !ok {
		return workflow.ReviewStage{}, fmt.Errorf("stage %s: %w", stageID, workflow.ErrRecordNotFound)
	}
	return stage, nil
}

func (tx *memoryTx) FindPendingStage(ctx context.Context, documentID string) (workflow.ReviewStage, bool, error) {
	stages, err := tx.ListStages(ctx, documentID)
	if err != nil {
		return workflow.ReviewStage{}, false, err
	}
	for _, stage := range stages {
		if stage.ReviewStatus == workflow.ReviewPending {
			return stage, true, nil
		}
	}
	return workflow.ReviewStage{}, false, nil
}

func (tx *memoryTx) UpdateStage(_ context.Context, stage workflow.ReviewStage) error {
	if _, ok := tx.state.stages[stage.ID]; !ok {
		return fmt.Errorf("stage %s: %w", stage.ID, workflow.ErrRecordNotFound)
	}
	tx.write()
	tx.state.stages[stage.ID] = stage
	return nil
}

func (tx *memoryTx) ListPendingStages(_ context.Context, role rbac.Role) ([]workflow.ReviewStage, error) {
	stages := make([]workflow.ReviewStage, 0)
	for _, stage := range tx.state.stages {
		if stage.ReviewStatus != workflow.ReviewPending {
			continue
		}
		if role != "" && stage.AssignedRole != role {
			continue
		}
		stages = append(stages, stage)
	}
	slices.SortFunc(stages, compareDeadline)
	return stages, nil
}

// compareDeadline orders stages by SLA deadline, stages without one last.
func compareDeadline(a, b workflow.ReviewStage) int {
	switch {
	case a.SLADeadline == nil && b.SLADeadline == nil:
	case a.SLADeadline == nil:
		return 1
	case b.SLADeadline == nil:
		return -1
	default:
		if c := a.SLADeadline.Compare(*b.SLADeadline); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}

func (tx *memoryTx) CreatePunchlistItem(_ context.Context, item workflow.PunchlistItem) error {
	if _, ok := tx.state.documents[item.DocumentID]; !ok {
		return fmt.Errorf("punchlist item %s: document %s: %w", item.ID, item.DocumentID, workflow.ErrRecordNotFound)
	}
	if _, exists := tx.state.items[item.ID]; exists {
		return fmt.Errorf("punchlist item %s already exists", item.ID)
	}
	tx.write()
	tx.state.nextOrder++
	tx.state.items[item.ID] = item
	tx.state.itemOrder[item.ID] = tx.state.nextOrder
	return nil
}

func (tx *memoryTx) GetPunchlistItem(_ context.Context, itemID string) (workflow.PunchlistItem, error) {
	item, ok := tx.state.items[itemID]
	if !ok {
		return workflow.PunchlistItem{}, fmt.Errorf("punchlist item %s: %w", itemID, workflow.ErrRecordNotFound)
	}
	return item, nil
}

func (tx *memoryTx) UpdatePunchlistItem(_ context.Context, item workflow.PunchlistItem) error {
	if _, ok := tx.state.items[item.ID]; !ok {
		return fmt.Errorf("punchlist item %s: %w", item.ID, workflow.ErrRecordNotFound)
	}
	tx.write()
	tx.state.items[item.ID] = item
	return nil
}

func (tx *memoryTx) ListPunchlistItems(_ context.Context, documentID string) ([]workflow.PunchlistItem, error) {
	items := make([]workflow.PunchlistItem, 0)
	for _, item := range tx.state.items {
		if item.DocumentID == documentID {
			items = append(items, item)
		}
	}
	slices.SortFunc(items, func(a, b workflow.PunchlistItem) int {
		return cmp.Compare(tx.state.itemOrder[a.ID], tx.state.itemOrder[b.ID])
	})
	return items, nil
}
