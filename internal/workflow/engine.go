package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aribuy/apms-sub002/internal/rbac"
	"github.com/aribuy/apms-sub002/internal/util"
)

// Engine owns the review state machine of ATP documents. All mutations go
// through Store.InTx, one unit per call.
type Engine struct {
	store     Store
	catalog   *Catalog
	sla       SLAPolicy
	matrix    ApprovalMatrix
	now       func() time.Time
	newID     func(prefix string) string
	logger    *slog.Logger
	observers []Observer
}

type Option func(*Engine)

func WithCatalog(catalog *Catalog) Option {
	return func(e *Engine) { e.catalog = catalog }
}

func WithSLAPolicy(policy SLAPolicy) Option {
	return func(e *Engine) { e.sla = policy }
}

func WithApprovalMatrix(matrix ApprovalMatrix) Option {
	return func(e *Engine) { e.matrix = matrix }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func(prefix string) string) Option {
	return func(e *Engine) { e.newID = newID }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithObserver(observer Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, observer) }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		catalog: DefaultCatalog(),
		sla:     DefaultSLAPolicy(),
		matrix:  DefaultApprovalMatrix(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   util.NewID,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.catalog = e.catalog.WithLogger(e.logger)
	return e
}

func (e *Engine) Catalog() *Catalog { return e.catalog }

func (e *Engine) SLAPolicy() SLAPolicy { return e.sla }

func (e *Engine) Matrix() ApprovalMatrix { return e.matrix }

func (e *Engine) Now() time.Time { return e.now() }

// AddObserver registers o for transitions committed from now on. It is not
// safe to call concurrently with engine operations.
func (e *Engine) AddObserver(o Observer) { e.observers = append(e.observers, o) }

type SubmitDocumentInput struct {
	SiteReference string
	Title         string
	// Category may be empty or UNKNOWN, in which case the title is
	// classified.
	Category        Category
	Scope           string
	Vendor          string
	SubmittedBy     string
	SubmittedByRole rbac.Role
}

type Submission struct {
	DocumentID   string     `json:"documentId"`
	DocumentCode string     `json:"documentCode"`
	InitialStage string     `json:"initialStage"`
	SLADeadline  *time.Time `json:"slaDeadline,omitempty"`
	Model        ReadModel  `json:"model"`
}

// SubmitDocument creates a document and materializes all of its review
// stages. Stage 1 starts pending with its SLA deadline, the rest wait.
func (e *Engine) SubmitDocument(ctx context.Context, in SubmitDocumentInput) (Submission, error) {
	const op = "submitDocument"

	if !rbac.Can(in.SubmittedByRole, rbac.ActionUpload) {
		return Submission{}, forbidden(op, "role may not upload documents", map[string]any{"role": in.SubmittedByRole})
	}
	siteReference := strings.TrimSpace(in.SiteReference)
	if siteReference == "" {
		return Submission{}, invalidTransition(op, "siteReference is required", nil)
	}
	if strings.TrimSpace(in.SubmittedBy) == "" {
		return Submission{}, invalidTransition(op, "submittedBy is required", nil)
	}
	category, err := ParseCategory(string(in.Category))
	if err != nil {
		return Submission{}, invalidTransition(op, err.Error(), nil)
	}

	confidence := 1.0
	if category == CategoryUnknown {
		classified := Classify(in.Title)
		category = classified.Category
		confidence = classified.Confidence
	}

	documentType, defs := e.catalog.Resolve(category)

	needsReview := true
	scope := strings.TrimSpace(in.Scope)
	if scope != "" {
		entry, ok := e.matrix.Lookup(scope)
		if !ok {
			return Submission{}, invalidTransition(op, "unknown scope", map[string]any{"scope": scope})
		}
		if !rbac.IsAdmin(in.SubmittedByRole) && !e.matrix.CanVendorUpload(in.Vendor, scope) {
			return Submission{}, forbidden(op, "vendor may not upload for scope", map[string]any{
				"vendor": in.Vendor,
				"scope":  scope,
			})
		}
		needsReview = len(entry.Approvers) > 0
		if needsReview && !approversMatch(entry.Approvers, defs) {
			return Submission{}, invalidTransition(op, "scope approvers do not match the stages of the document type", map[string]any{
				"scope":        scope,
				"documentType": documentType,
				"approvers":    entry.Approvers,
			})
		}
	}
	now := e.now()

	var result Submission
	err = e.store.InTx(ctx, func(tx Tx) error {
		seq, err := tx.NextDocumentSequence(ctx, category)
		if err != nil {
			return err
		}
		doc := Document{
			ID:             e.newID("atp"),
			Code:           fmt.Sprintf("ATP-%s-%06d", category.codePrefix(), seq),
			SiteReference:  siteReference,
			Title:          strings.TrimSpace(in.Title),
			Scope:          scope,
			Vendor:         strings.TrimSpace(in.Vendor),
			Category:       category,
			Confidence:     confidence,
			DocumentType:   documentType,
			SubmittedBy:    in.SubmittedBy,
			UploadedByRole: in.SubmittedByRole,
			SubmittedAt:    now,
			UpdatedAt:      now,
		}

		if !needsReview {
			doc.CurrentStatus = StatusApproved
			doc.CompletionPercentage = 100
			doc.ApprovalDate = timePtr(now)
			if err := tx.CreateDocument(ctx, doc); err != nil {
				return err
			}
			result = Submission{
				DocumentID:   doc.ID,
				DocumentCode: doc.Code,
				Model:        ReadModel{Document: doc, Stages: []ReviewStage{}, PunchlistItems: []PunchlistItem{}},
			}
			return nil
		}

		stages := make([]ReviewStage, 0, len(defs))
		for i, def := range defs {
			stages = append(stages, ReviewStage{
				ID:           e.newID("stg"),
				DocumentID:   doc.ID,
				StageNumber:  i + 1,
				StageCode:    def.Code,
				StageName:    def.Name,
				AssignedRole: def.Role,
				ReviewStatus: ReviewWaiting,
			})
		}
		stages[0].ReviewStatus = ReviewPending
		stages[0].SLADeadline = timePtr(e.sla.ComputeDeadline(stages[0].AssignedRole, now))

		doc.CurrentStage = stages[0].StageCode
		doc.CurrentStatus = StatusPendingReview

		if err := tx.CreateDocument(ctx, doc); err != nil {
			return err
		}
		if err := tx.CreateStages(ctx, stages); err != nil {
			return err
		}
		result = Submission{
			DocumentID:   doc.ID,
			DocumentCode: doc.Code,
			InitialStage: stages[0].StageCode,
			SLADeadline:  stages[0].SLADeadline,
			Model:        ReadModel{Document: doc, Stages: stages, PunchlistItems: []PunchlistItem{}},
		}
		return nil
	})
	if err != nil {
		return Submission{}, err
	}

	e.logger.Info("atp document submitted",
		"documentCode", result.DocumentCode,
		"category", category,
		"documentType", documentType,
		"initialStage", result.InitialStage)

	event := TransitionEvent{
		Type:       EventSubmitted,
		ActorID:    in.SubmittedBy,
		ActorRole:  in.SubmittedByRole,
		OccurredAt: now,
		Model:      result.Model,
	}
	if pending, ok := result.Model.PendingStage(); ok {
		event.Stage = &pending
	} else {
		event.Type = EventApproved
	}
	e.notify(ctx, event)
	return result, nil
}

type PunchlistInput struct {
	Description string
	Severity    Severity
	Category    string
}

type DecisionInput struct {
	DocumentID     string
	StageID        string
	Decision       Decision
	ActorID        string
	ActorRole      rbac.Role
	Comments       string
	PunchlistItems []PunchlistInput
}

// SubmitReviewDecision applies a reviewer's decision to the pending stage of
// a document and advances, terminates or holds the workflow accordingly.
func (e *Engine) SubmitReviewDecision(ctx context.Context, in DecisionInput) (ReadModel, error) {
	const op = "submitReviewDecision"

	decision, err := ParseDecision(string(in.Decision))
	if err != nil {
		return ReadModel{}, invalidTransition(op, err.Error(), nil)
	}
	if strings.TrimSpace(in.ActorID) == "" {
		return ReadModel{}, invalidTransition(op, "actor is required", nil)
	}
	punchlist, err := validatePunchlist(op, decision, in.PunchlistItems)
	if err != nil {
		return ReadModel{}, err
	}

	now := e.now()
	var (
		model     ReadModel
		activated *ReviewStage
	)
	err = e.store.InTx(ctx, func(tx Tx) error {
		doc, err := tx.LockDocument(ctx, in.DocumentID)
		if err != nil {
			return notFoundOr(op, "document", err)
		}
		stage, err := tx.GetStage(ctx, in.StageID)
		if err != nil {
			return notFoundOr(op, "stage", err)
		}
		if stage.DocumentID != doc.ID {
			return invalidTransition(op, "stage does not belong to document", map[string]any{
				"documentId": doc.ID,
				"stageId":    stage.ID,
			})
		}
		if !rbac.CanDecide(in.ActorRole, stage.AssignedRole) {
			return forbidden(op, "role may not decide this stage", map[string]any{
				"requiredRole": stage.AssignedRole,
				"actorRole":    in.ActorRole,
			})
		}
		if doc.Scope != "" && !e.matrix.CanRoleApprove(stage.AssignedRole, doc.Scope, stage.StageNumber) {
			return forbidden(op, "stage is not an approval step of the document scope", map[string]any{
				"scope":        doc.Scope,
				"stageNumber":  stage.StageNumber,
				"requiredRole": stage.AssignedRole,
			})
		}
		if doc.CurrentStatus.Terminal() {
			return conflict(op, "document is already "+string(doc.CurrentStatus), map[string]any{
				"currentStatus": doc.CurrentStatus,
			})
		}
		if stage.ReviewStatus != ReviewPending {
			return conflict(op, "stage is not pending", map[string]any{
				"stageId":      stage.ID,
				"reviewStatus": stage.ReviewStatus,
				"currentStage": doc.CurrentStage,
			})
		}

		stage.Decision = decision
		stage.Comments = strings.TrimSpace(in.Comments)
		stage.ReviewerID = in.ActorID
		stage.CompletedAt = timePtr(now)
		stage.ReviewStatus = ReviewCompleted
		if err := tx.UpdateStage(ctx, stage); err != nil {
			return err
		}

		items, err := tx.ListPunchlistItems(ctx, doc.ID)
		if err != nil {
			return err
		}
		for _, p := range punchlist {
			item := PunchlistItem{
				ID:               e.newID("pl"),
				DocumentID:       doc.ID,
				ReviewStageID:    stage.ID,
				PunchlistNumber:  fmt.Sprintf("PL-%s-%03d", doc.Code, len(items)+1),
				IssueDescription: p.Description,
				Severity:         p.Severity,
				IssueCategory:    p.Category,
				Status:           PunchlistIdentified,
				IdentifiedBy:     in.ActorID,
				CreatedAt:        now,
			}
			if err := tx.CreatePunchlistItem(ctx, item); err != nil {
				return err
			}
			items = append(items, item)
		}

		stages, err := tx.ListStages(ctx, doc.ID)
		if err != nil {
			return err
		}

		if decision == DecisionReject {
			doc.CurrentStatus = StatusRejected
		} else if nextDef, ok := e.catalog.NextStage(stage.StageCode, doc.DocumentType); ok {
			idx := stageIndex(stages, nextDef.Code)
			if idx < 0 || stages[idx].ReviewStatus != ReviewWaiting {
				return fmt.Errorf("%s: document %s has no waiting stage %s", op, doc.Code, nextDef.Code)
			}
			next := stages[idx]
			next.ReviewStatus = ReviewPending
			next.SLADeadline = timePtr(e.sla.ComputeDeadline(next.AssignedRole, now))
			if err := tx.UpdateStage(ctx, next); err != nil {
				return err
			}
			stages[idx] = next
			activated = &next
			doc.CurrentStage = next.StageCode
			doc.CurrentStatus = interimStatus(items)
		} else {
			evaluateTerminal(&doc, stages, items, in.ActorID, now)
		}

		if doc.CurrentStatus != StatusApproved {
			doc.CompletionPercentage = completionPercentage(stages)
		}
		doc.UpdatedAt = now
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		model = ReadModel{Document: doc, Stages: stages, PunchlistItems: items}
		return nil
	})
	if err != nil {
		return ReadModel{}, err
	}

	event := TransitionEvent{
		ActorID:    in.ActorID,
		ActorRole:  in.ActorRole,
		OccurredAt: now,
		Stage:      activated,
		Model:      model,
	}
	switch {
	case model.Document.CurrentStatus == StatusRejected:
		event.Type = EventRejected
	case model.Document.CurrentStatus == StatusApproved:
		event.Type = EventApproved
	case activated != nil:
		event.Type = EventStageActivated
	default:
		event.Type = EventAwaitingPunch
	}
	e.logger.Info("review decision applied",
		"documentCode", model.Document.Code,
		"stageId", in.StageID,
		"decision", decision,
		"actorRole", in.ActorRole,
		"currentStage", model.Document.CurrentStage,
		"currentStatus", model.Document.CurrentStatus)
	e.notify(ctx, event)
	return model, nil
}

// Evaluate re-runs terminal evaluation for a document, e.g. after punchlist
// items were resolved out of band. It only ever moves a document forward.
func (e *Engine) Evaluate(ctx context.Context, documentID string) (ReadModel, error) {
	const op = "evaluate"

	now := e.now()
	var (
		model   ReadModel
		changed bool
	)
	err := e.store.InTx(ctx, func(tx Tx) error {
		doc, err := tx.LockDocument(ctx, documentID)
		if err != nil {
			return notFoundOr(op, "document", err)
		}
		stages, err := tx.ListStages(ctx, doc.ID)
		if err != nil {
			return err
		}
		items, err := tx.ListPunchlistItems(ctx, doc.ID)
		if err != nil {
			return err
		}
		before := doc.CurrentStatus
		reevaluate(&doc, stages, items, now)
		if doc.CurrentStatus != before {
			changed = true
			doc.UpdatedAt = now
			if err := tx.UpdateDocument(ctx, doc); err != nil {
				return err
			}
		}
		model = ReadModel{Document: doc, Stages: stages, PunchlistItems: items}
		return nil
	})
	if err != nil {
		return ReadModel{}, err
	}
	if changed && model.Document.CurrentStatus == StatusApproved {
		e.notify(ctx, TransitionEvent{Type: EventApproved, OccurredAt: now, Model: model})
	}
	return model, nil
}

func (e *Engine) ReadModel(ctx context.Context, documentID string) (ReadModel, error) {
	var model ReadModel
	err := e.store.InTx(ctx, func(tx Tx) error {
		doc, err := tx.GetDocument(ctx, documentID)
		if err != nil {
			return notFoundOr("readModel", "document", err)
		}
		model, err = loadModel(ctx, tx, doc)
		return err
	})
	return model, err
}

func (e *Engine) ReadModelByCode(ctx context.Context, code string) (ReadModel, error) {
	var model ReadModel
	err := e.store.InTx(ctx, func(tx Tx) error {
		doc, err := tx.GetDocumentByCode(ctx, code)
		if err != nil {
			return notFoundOr("readModel", "document", err)
		}
		model, err = loadModel(ctx, tx, doc)
		return err
	})
	return model, err
}

// PendingStages is the review queue for role; an empty role lists every
// pending stage.
func (e *Engine) PendingStages(ctx context.Context, role rbac.Role) ([]ReviewStage, error) {
	var stages []ReviewStage
	err := e.store.InTx(ctx, func(tx Tx) error {
		var err error
		stages, err = tx.ListPendingStages(ctx, role)
		return err
	})
	return stages, err
}

// OverdueStages lists pending stages whose SLA deadline passed before now.
func (e *Engine) OverdueStages(ctx context.Context, now time.Time) ([]ReviewStage, error) {
	pending, err := e.PendingStages(ctx, "")
	if err != nil {
		return nil, err
	}
	overdue := make([]ReviewStage, 0)
	for _, stage := range pending {
		if stage.SLADeadline != nil && Breached(*stage.SLADeadline, now) {
			overdue = append(overdue, stage)
		}
	}
	return overdue, nil
}

func (e *Engine) notify(ctx context.Context, event TransitionEvent) {
	for _, observer := range e.observers {
		observer.OnTransition(ctx, event)
	}
}

func loadModel(ctx context.Context, tx Tx, doc Document) (ReadModel, error) {
	stages, err := tx.ListStages(ctx, doc.ID)
	if err != nil {
		return ReadModel{}, err
	}
	items, err := tx.ListPunchlistItems(ctx, doc.ID)
	if err != nil {
		return ReadModel{}, err
	}
	return ReadModel{Document: doc, Stages: stages, PunchlistItems: items}, nil
}

func validatePunchlist(op string, decision Decision, entries []PunchlistInput) ([]PunchlistInput, error) {
	if decision != DecisionApproveWithPunchlist {
		if len(entries) > 0 {
			return nil, invalidTransition(op, "punchlist items are only accepted with approve_with_punchlist", nil)
		}
		return nil, nil
	}
	if len(entries) == 0 {
		return nil, invalidTransition(op, "approve_with_punchlist requires at least one punchlist item", nil)
	}
	out := make([]PunchlistInput, 0, len(entries))
	for i, entry := range entries {
		description := strings.TrimSpace(entry.Description)
		if description == "" {
			return nil, invalidTransition(op, "punchlist item description is required", map[string]any{"index": i})
		}
		severity, err := ParseSeverity(string(entry.Severity))
		if err != nil {
			return nil, invalidTransition(op, err.Error(), map[string]any{"index": i})
		}
		category := strings.TrimSpace(entry.Category)
		if category == "" {
			category = "general"
		}
		out = append(out, PunchlistInput{Description: description, Severity: severity, Category: category})
	}
	return out, nil
}

func stageIndex(stages []ReviewStage, code string) int {
	for i, stage := range stages {
		if stage.StageCode == code {
			return i
		}
	}
	return -1
}

// interimStatus is the status of a document whose next stage was just
// activated. Any punchlist item raised so far marks it, resolved or not.
func interimStatus(items []PunchlistItem) DocumentStatus {
	if len(items) > 0 {
		return StatusPendingReviewWithPunchlist
	}
	return StatusPendingReview
}

func allCompleted(stages []ReviewStage) bool {
	for _, stage := range stages {
		if stage.ReviewStatus != ReviewCompleted {
			return false
		}
	}
	return len(stages) > 0
}

// evaluateTerminal decides the outcome once the last stage is approved. Any
// punchlist item that is not completed holds the document short of
// approved, whatever its severity. It reports whether doc became approved.
func evaluateTerminal(doc *Document, stages []ReviewStage, items []PunchlistItem, approver string, now time.Time) bool {
	if doc.CurrentStatus.Terminal() || !allCompleted(stages) {
		return false
	}
	if countOutstanding(items) > 0 {
		doc.CurrentStatus = StatusPendingReviewWithPunchlist
		doc.CompletionPercentage = completionPercentage(stages)
		return false
	}
	doc.CurrentStatus = StatusApproved
	doc.ApprovalDate = timePtr(now)
	doc.FinalApprover = approver
	doc.CompletionPercentage = 100
	return true
}

// reevaluate reruns terminal evaluation once every stage is completed and
// leaves a document still under review untouched. The final approver of a
// late approval is the reviewer of the last stage.
func reevaluate(doc *Document, stages []ReviewStage, items []PunchlistItem, now time.Time) {
	if doc.CurrentStatus.Terminal() || !allCompleted(stages) {
		return
	}
	evaluateTerminal(doc, stages, items, stages[len(stages)-1].ReviewerID, now)
}

func approversMatch(approvers []rbac.Role, defs []StageDefinition) bool {
	if len(approvers) != len(defs) {
		return false
	}
	for i, def := range defs {
		if approvers[i] != def.Role {
			return false
		}
	}
	return true
}
