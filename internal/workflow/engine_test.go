package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aribuy/apms-sub002/internal/rbac"
	"github.com/aribuy/apms-sub002/internal/store"
	"github.com/aribuy/apms-sub002/internal/workflow"
)

var start = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine *workflow.Engine
	clock  *fakeClock

	mu     sync.Mutex
	events []workflow.TransitionEvent
}

func newFixture(t *testing.T, opts ...workflow.Option) *fixture {
	t.Helper()
	f := &fixture{clock: &fakeClock{now: start}}
	base := []workflow.Option{
		workflow.WithClock(f.clock.Now),
		workflow.WithObserver(workflow.ObserverFunc(func(_ context.Context, event workflow.TransitionEvent) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, event)
		})),
	}
	f.engine = workflow.NewEngine(store.NewMemoryStore(), append(base, opts...)...)
	return f
}

func (f *fixture) eventTypes() []workflow.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]workflow.EventType, 0, len(f.events))
	for _, event := range f.events {
		types = append(types, event.Type)
	}
	return types
}

func (f *fixture) submit(t *testing.T, category workflow.Category) workflow.Submission {
	t.Helper()
	sub, err := f.engine.SubmitDocument(context.Background(), workflow.SubmitDocumentInput{
		SiteReference:   "JKT-0001",
		Title:           "ATP document",
		Category:        category,
		SubmittedBy:     "vendor-user",
		SubmittedByRole: rbac.RoleVendor,
	})
	require.NoError(t, err)
	return sub
}

func (f *fixture) model(t *testing.T, documentID string) workflow.ReadModel {
	t.Helper()
	model, err := f.engine.ReadModel(context.Background(), documentID)
	require.NoError(t, err)
	return model
}

// decide applies a decision to whatever stage is pending on the document.
func (f *fixture) decide(t *testing.T, documentID string, role rbac.Role, decision workflow.Decision, items ...workflow.PunchlistInput) (workflow.ReadModel, error) {
	t.Helper()
	pending, ok := f.model(t, documentID).PendingStage()
	require.True(t, ok, "document has no pending stage")
	return f.engine.SubmitReviewDecision(context.Background(), workflow.DecisionInput{
		DocumentID:     documentID,
		StageID:        pending.ID,
		Decision:       decision,
		ActorID:        "user-" + string(role),
		ActorRole:      role,
		PunchlistItems: items,
	})
}

func TestSoftwareDocumentApprovedThroughAllStages(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, workflow.CategorySoftware)

	assert.Equal(t, "ATP-SW-000001", sub.DocumentCode)
	assert.Equal(t, "STAGE_1_SW", sub.InitialStage)
	require.NotNil(t, sub.SLADeadline)
	assert.Equal(t, start.Add(48*time.Hour), *sub.SLADeadline)
	require.Len(t, sub.Model.Stages, 3)
	assert.Equal(t, workflow.ReviewPending, sub.Model.Stages[0].ReviewStatus)
	assert.Equal(t, workflow.ReviewWaiting, sub.Model.Stages[1].ReviewStatus)
	assert.Equal(t, workflow.ReviewWaiting, sub.Model.Stages[2].ReviewStatus)
	assert.Equal(t, workflow.StatusPendingReview, sub.Model.Document.CurrentStatus)

	steps := []struct {
		role       rbac.Role
		wantStage  string
		wantStatus workflow.DocumentStatus
		wantPct    int
	}{
		{rbac.RoleBO, "STAGE_2_SW", workflow.StatusPendingReview, 33},
		{rbac.RoleSME, "STAGE_3_SW", workflow.StatusPendingReview, 66},
		{rbac.RoleHeadNOC, "STAGE_3_SW", workflow.StatusApproved, 100},
	}
	for _, step := range steps {
		f.clock.Advance(2 * time.Hour)
		model, err := f.decide(t, sub.DocumentID, step.role, workflow.DecisionApprove)
		require.NoError(t, err)
		assert.Equal(t, step.wantStage, model.Document.CurrentStage)
		assert.Equal(t, step.wantStatus, model.Document.CurrentStatus)
		assert.Equal(t, step.wantPct, model.Document.CompletionPercentage)
	}

	model := f.model(t, sub.DocumentID)
	for _, stage := range model.Stages {
		assert.Equal(t, workflow.ReviewCompleted, stage.ReviewStatus)
		assert.Equal(t, workflow.DecisionApprove, stage.Decision)
		assert.NotNil(t, stage.CompletedAt)
	}
	// Head NOC has a 24h SLA, computed from the moment the stage activated.
	require.NotNil(t, model.Stages[2].SLADeadline)
	assert.Equal(t, start.Add(4*time.Hour+24*time.Hour), *model.Stages[2].SLADeadline)

	require.NotNil(t, model.Document.ApprovalDate)
	assert.Equal(t, f.clock.Now(), *model.Document.ApprovalDate)
	assert.Equal(t, "user-HEAD_NOC", model.Document.FinalApprover)

	assert.Equal(t, []workflow.EventType{
		workflow.EventSubmitted,
		workflow.EventStageActivated,
		workflow.EventStageActivated,
		workflow.EventApproved,
	}, f.eventTypes())
}

func TestHardwarePunchlistHoldsFinalApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, workflow.CategoryHardware)
	assert.Equal(t, "ATP-HW-000001", sub.DocumentCode)

	model, err := f.decide(t, sub.DocumentID, rbac.RoleFOPRTS, workflow.DecisionApproveWithPunchlist, workflow.PunchlistInput{
		Description: "Feeder clamp missing on sector 2",
		Severity:    workflow.SeverityMinor,
		Category:    "installation",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPendingReviewWithPunchlist, model.Document.CurrentStatus)
	assert.Equal(t, "STAGE_2_HW", model.Document.CurrentStage)
	require.Len(t, model.PunchlistItems, 1)
	item := model.PunchlistItems[0]
	assert.Equal(t, "PL-ATP-HW-000001-001", item.PunchlistNumber)
	assert.Equal(t, workflow.PunchlistIdentified, item.Status)
	assert.Equal(t, model.Stages[0].ID, item.ReviewStageID)

	_, err = f.decide(t, sub.DocumentID, rbac.RoleRegionTeam, workflow.DecisionApprove)
	require.NoError(t, err)
	model, err = f.decide(t, sub.DocumentID, rbac.RoleRTH, workflow.DecisionApprove)
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusPendingReviewWithPunchlist, model.Document.CurrentStatus)
	assert.Equal(t, 100, model.Document.CompletionPercentage)
	assert.Equal(t, "STAGE_3_HW", model.Document.CurrentStage)
	assert.Nil(t, model.Document.ApprovalDate)
	_, pending := model.PendingStage()
	assert.False(t, pending)

	// An explicit evaluation cannot approve while the item is open.
	model, err = f.engine.Evaluate(ctx, sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPendingReviewWithPunchlist, model.Document.CurrentStatus)

	f.clock.Advance(time.Hour)
	completed, model, err := f.engine.CompleteRectification(ctx, workflow.RectificationInput{
		PunchlistItemID:    item.ID,
		RectificationNotes: "Clamp installed, photo attached",
		CompletedBy:        "vendor-user",
		ActorRole:          rbac.RoleVendor,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.PunchlistCompleted, completed.Status)
	assert.Equal(t, "vendor-user", completed.CompletedBy)
	require.NotNil(t, completed.CompletedAt)

	assert.Equal(t, workflow.StatusApproved, model.Document.CurrentStatus)
	assert.Equal(t, 100, model.Document.CompletionPercentage)
	assert.Equal(t, "user-RTH", model.Document.FinalApprover)
	require.NotNil(t, model.Document.ApprovalDate)
	assert.Equal(t, f.clock.Now(), *model.Document.ApprovalDate)

	types := f.eventTypes()
	assert.Equal(t, workflow.EventAwaitingPunch, types[len(types)-2])
	assert.Equal(t, workflow.EventApproved, types[len(types)-1])
}

func TestPunchlistGateIgnoresSeverity(t *testing.T) {
	for _, severity := range []workflow.Severity{workflow.SeverityMinor, workflow.SeverityMajor, workflow.SeverityCritical} {
		t.Run(string(severity), func(t *testing.T) {
			f := newFixture(t)
			sub := f.submit(t, workflow.CategorySoftware)

			_, err := f.decide(t, sub.DocumentID, rbac.RoleBO, workflow.DecisionApprove)
			require.NoError(t, err)
			_, err = f.decide(t, sub.DocumentID, rbac.RoleSME, workflow.DecisionApprove)
			require.NoError(t, err)
			model, err := f.decide(t, sub.DocumentID, rbac.RoleHeadNOC, workflow.DecisionApproveWithPunchlist, workflow.PunchlistInput{
				Description: "KPI report incomplete",
				Severity:    severity,
			})
			require.NoError(t, err)
			assert.Equal(t, workflow.StatusPendingReviewWithPunchlist, model.Document.CurrentStatus)
			assert.Nil(t, model.Document.ApprovalDate)
		})
	}
}

func TestInProgressItemStillBlocksApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, workflow.CategorySoftware)

	model, err := f.decide(t, sub.DocumentID, rbac.RoleBO, workflow.DecisionApproveWithPunchlist,
		workflow.PunchlistInput{Description: "Alarm mapping wrong", Severity: workflow.SeverityMajor},
		workflow.PunchlistInput{Description: "License count mismatch", Severity: workflow.SeverityMinor},
	)
	require.NoError(t, err)
	require.Len(t, model.PunchlistItems, 2)
	assert.Equal(t, "PL-ATP-SW-000001-002", model.PunchlistItems[1].PunchlistNumber)
	first, second := model.PunchlistItems[0], model.PunchlistItems[1]

	started, err := f.engine.StartRectification(ctx, first.ID, "vendor-user", rbac.RoleVendor)
	require.NoError(t, err)
	assert.Equal(t, workflow.PunchlistInProgress, started.Status)

	_, err = f.engine.StartRectification(ctx, first.ID, "vendor-user", rbac.RoleVendor)
	assert.ErrorIs(t, err, workflow.ErrConflict)

	_, err = f.decide(t, sub.DocumentID, rbac.RoleSME, workflow.DecisionApprove)
	require.NoError(t, err)
	_, err = f.decide(t, sub.DocumentID, rbac.RoleHeadNOC, workflow.DecisionApprove)
	require.NoError(t, err)

	_, model, err = f.engine.CompleteRectification(ctx, workflow.RectificationInput{
		PunchlistItemID:    second.ID,
		RectificationNotes: "License updated",
		CompletedBy:        "vendor-user",
		ActorRole:          rbac.RoleVendor,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPendingReviewWithPunchlist, model.Document.CurrentStatus)
	assert.Equal(t, 1, model.OutstandingPunchlist())

	_, model, err = f.engine.CompleteRectification(ctx, workflow.RectificationInput{
		PunchlistItemID:    first.ID,
		RectificationNotes: "Alarm mapping fixed",
		CompletedBy:        "vendor-user",
		ActorRole:          rbac.RoleVendor,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, model.Document.CurrentStatus)
}

func TestInterimStatusKeepsPunchlistMarkAfterRectification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, workflow.CategoryHardware)

	model, err := f.decide(t, sub.DocumentID, rbac.RoleFOPRTS, workflow.DecisionApproveWithPunchlist,
		workflow.PunchlistInput{Description: "Rack label missing", Severity: workflow.SeverityMinor})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPendingReviewWithPunchlist, model.Document.CurrentStatus)

	_, model, err = f.engine.CompleteRectification(ctx, workflow.RectificationInput{
		PunchlistItemID:    model.PunchlistItems[0].ID,
		RectificationNotes: "Labelled",
		CompletedBy:        "vendor-user",
		ActorRole:          rbac.RoleVendor,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPendingReviewWithPunchlist, model.Document.CurrentStatus)
	assert.Equal(t, "STAGE_2_HW", model.Document.CurrentStage)
	assert.Equal(t, 33, model.Document.CompletionPercentage)
	assert.Equal(t, model, f.model(t, sub.DocumentID))

	model, err = f.decide(t, sub.DocumentID, rbac.RoleRegionTeam, workflow.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPendingReviewWithPunchlist, model.Document.CurrentStatus)
	assert.Equal(t, 0, model.OutstandingPunchlist())

	model, err = f.decide(t, sub.DocumentID, rbac.RoleRTH, workflow.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, model.Document.CurrentStatus)
	assert.Equal(t, "user-RTH", model.Document.FinalApprover)
}

func TestRejectionIsTerminal(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, workflow.CategorySoftware)

	_, err := f.decide(t, sub.DocumentID, rbac.RoleBO, workflow.DecisionApprove)
	require.NoError(t, err)
	model, err := f.decide(t, sub.DocumentID, rbac.RoleSME, workflow.DecisionReject)
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusRejected, model.Document.CurrentStatus)
	assert.Equal(t, "STAGE_2_SW", model.Document.CurrentStage)
	assert.Equal(t, 66, model.Document.CompletionPercentage)
	assert.Equal(t, workflow.ReviewWaiting, model.Stages[2].ReviewStatus)
	assert.Nil(t, model.Stages[2].SLADeadline)
	assert.Nil(t, model.Document.ApprovalDate)

	_, err = f.engine.SubmitReviewDecision(context.Background(), workflow.DecisionInput{
		DocumentID: sub.DocumentID,
		StageID:    model.Stages[2].ID,
		Decision:   workflow.DecisionApprove,
		ActorID:    "head-noc",
		ActorRole:  rbac.RoleHeadNOC,
	})
	assert.ErrorIs(t, err, workflow.ErrConflict)
	assert.Equal(t, model, f.model(t, sub.DocumentID))

	_, err = f.engine.Evaluate(context.Background(), sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRejected, f.model(t, sub.DocumentID).Document.CurrentStatus)
	assert.Equal(t, workflow.EventRejected, f.eventTypes()[len(f.eventTypes())-1])
}

func TestWrongRoleIsForbiddenAndChangesNothing(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, workflow.CategorySoftware)
	before := f.model(t, sub.DocumentID)

	for _, role := range []rbac.Role{rbac.RoleSME, rbac.RoleHeadNOC, rbac.RoleVendor, rbac.RoleFOPRTS} {
		_, err := f.engine.SubmitReviewDecision(context.Background(), workflow.DecisionInput{
			DocumentID: sub.DocumentID,
			StageID:    before.Stages[0].ID,
			Decision:   workflow.DecisionApprove,
			ActorID:    "someone",
			ActorRole:  role,
		})
		require.ErrorIs(t, err, workflow.ErrForbidden, "role %s", role)
		var werr *workflow.Error
		require.True(t, errors.As(err, &werr))
		assert.Equal(t, rbac.RoleBO, werr.Details["requiredRole"])
	}
	assert.Equal(t, before, f.model(t, sub.DocumentID))
	assert.Len(t, f.eventTypes(), 1)
}

func TestAdminMayDecideAnyStage(t *testing.T) {
	for _, role := range []rbac.Role{rbac.RoleAdmin, rbac.RoleSuperAdmin} {
		t.Run(string(role), func(t *testing.T) {
			f := newFixture(t)
			sub := f.submit(t, workflow.CategoryHardware)
			model, err := f.decide(t, sub.DocumentID, role, workflow.DecisionApprove)
			require.NoError(t, err)
			assert.Equal(t, "STAGE_2_HW", model.Document.CurrentStage)
			assert.Equal(t, "user-"+string(role), model.Stages[0].ReviewerID)
		})
	}
}

func TestStaleDecisionIsConflictAndIdempotent(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, workflow.CategorySoftware)
	stageID := sub.Model.Stages[0].ID

	input := workflow.DecisionInput{
		DocumentID: sub.DocumentID,
		StageID:    stageID,
		Decision:   workflow.DecisionApprove,
		ActorID:    "bo-user",
		ActorRole:  rbac.RoleBO,
	}
	_, err := f.engine.SubmitReviewDecision(context.Background(), input)
	require.NoError(t, err)
	after := f.model(t, sub.DocumentID)

	f.clock.Advance(time.Minute)
	_, err = f.engine.SubmitReviewDecision(context.Background(), input)
	assert.ErrorIs(t, err, workflow.ErrConflict)
	kind, ok := workflow.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, workflow.KindConflict, kind)
	assert.Equal(t, after, f.model(t, sub.DocumentID))
}

func TestDecisionValidation(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, workflow.CategorySoftware)
	other := f.submit(t, workflow.CategorySoftware)
	stageID := sub.Model.Stages[0].ID

	tests := []struct {
		name  string
		input workflow.DecisionInput
		want  error
	}{
		{
			name:  "punchlist decision without items",
			input: workflow.DecisionInput{DocumentID: sub.DocumentID, StageID: stageID, Decision: workflow.DecisionApproveWithPunchlist, ActorID: "bo", ActorRole: rbac.RoleBO},
			want:  workflow.ErrInvalidTransition,
		},
		{
			name: "items on plain approve",
			input: workflow.DecisionInput{DocumentID: sub.DocumentID, StageID: stageID, Decision: workflow.DecisionApprove, ActorID: "bo", ActorRole: rbac.RoleBO,
				PunchlistItems: []workflow.PunchlistInput{{Description: "x", Severity: workflow.SeverityMinor}}},
			want: workflow.ErrInvalidTransition,
		},
		{
			name: "unknown severity",
			input: workflow.DecisionInput{DocumentID: sub.DocumentID, StageID: stageID, Decision: workflow.DecisionApproveWithPunchlist, ActorID: "bo", ActorRole: rbac.RoleBO,
				PunchlistItems: []workflow.PunchlistInput{{Description: "x", Severity: "blocker"}}},
			want: workflow.ErrInvalidTransition,
		},
		{
			name:  "unknown decision",
			input: workflow.DecisionInput{DocumentID: sub.DocumentID, StageID: stageID, Decision: "maybe", ActorID: "bo", ActorRole: rbac.RoleBO},
			want:  workflow.ErrInvalidTransition,
		},
		{
			name:  "stage of another document",
			input: workflow.DecisionInput{DocumentID: other.DocumentID, StageID: stageID, Decision: workflow.DecisionApprove, ActorID: "bo", ActorRole: rbac.RoleBO},
			want:  workflow.ErrInvalidTransition,
		},
		{
			name:  "missing stage",
			input: workflow.DecisionInput{DocumentID: sub.DocumentID, StageID: "stg_missing", Decision: workflow.DecisionApprove, ActorID: "bo", ActorRole: rbac.RoleBO},
			want:  workflow.ErrNotFound,
		},
		{
			name:  "missing document",
			input: workflow.DecisionInput{DocumentID: "atp_missing", StageID: stageID, Decision: workflow.DecisionApprove, ActorID: "bo", ActorRole: rbac.RoleBO},
			want:  workflow.ErrNotFound,
		},
		{
			name:  "waiting stage",
			input: workflow.DecisionInput{DocumentID: sub.DocumentID, StageID: sub.Model.Stages[1].ID, Decision: workflow.DecisionApprove, ActorID: "sme", ActorRole: rbac.RoleSME},
			want:  workflow.ErrConflict,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.SubmitReviewDecision(context.Background(), tc.input)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, sub.Model, f.model(t, sub.DocumentID))
}

func TestUnknownCategoryFallsBackToCombined(t *testing.T) {
	f := newFixture(t)
	sub, err := f.engine.SubmitDocument(context.Background(), workflow.SubmitDocumentInput{
		SiteReference:   "MDN-0009",
		Title:           "Site acceptance",
		SubmittedBy:     "vendor-user",
		SubmittedByRole: rbac.RoleVendor,
	})
	require.NoError(t, err)

	doc := sub.Model.Document
	assert.Equal(t, workflow.CategoryUnknown, doc.Category)
	assert.Equal(t, workflow.CategoryCombined, doc.DocumentType)
	assert.Equal(t, "ATP-UNK-000001", doc.Code)
	assert.Len(t, sub.Model.Stages, 5)
	assert.Equal(t, "STAGE_1_COMB", sub.InitialStage)
}

func TestCategoryClassifiedFromTitle(t *testing.T) {
	f := newFixture(t)
	sub, err := f.engine.SubmitDocument(context.Background(), workflow.SubmitDocumentInput{
		SiteReference:   "MDN-0010",
		Title:           "Antenna and RRU installation",
		SubmittedBy:     "vendor-user",
		SubmittedByRole: rbac.RoleVendor,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.CategoryHardware, sub.Model.Document.Category)
	assert.Equal(t, 1.0, sub.Model.Document.Confidence)
	assert.Equal(t, "STAGE_1_HW", sub.InitialStage)
}

func TestSubmitDocumentGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input workflow.SubmitDocumentInput
		want  error
	}{
		{"reviewer cannot upload", workflow.SubmitDocumentInput{SiteReference: "S1", SubmittedBy: "bo", SubmittedByRole: rbac.RoleBO}, workflow.ErrForbidden},
		{"missing site reference", workflow.SubmitDocumentInput{SubmittedBy: "v", SubmittedByRole: rbac.RoleVendor}, workflow.ErrInvalidTransition},
		{"unknown category", workflow.SubmitDocumentInput{SiteReference: "S1", Category: "FIRMWARE", SubmittedBy: "v", SubmittedByRole: rbac.RoleVendor}, workflow.ErrInvalidTransition},
		{"unknown scope", workflow.SubmitDocumentInput{SiteReference: "S1", Scope: "Fiber", Vendor: "ZTE", SubmittedBy: "v", SubmittedByRole: rbac.RoleVendor}, workflow.ErrInvalidTransition},
		{"vendor outside scope", workflow.SubmitDocumentInput{SiteReference: "S1", Scope: "Mini CME", Vendor: "ZTE", SubmittedBy: "v", SubmittedByRole: rbac.RoleVendor}, workflow.ErrForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.SubmitDocument(ctx, tc.input)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// Admins are not bound by the vendor list.
	_, err := f.engine.SubmitDocument(ctx, workflow.SubmitDocumentInput{
		SiteReference: "S1", Scope: "MW", Vendor: "Nokia", Category: workflow.CategoryHardware,
		SubmittedBy: "admin", SubmittedByRole: rbac.RoleAdmin,
	})
	assert.NoError(t, err)
}

func TestScopeApproversMustMatchStages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SubmitDocument(ctx, workflow.SubmitDocumentInput{
		SiteReference: "JKT-0200", Scope: "RAN", Vendor: "Ericsson", Category: workflow.CategoryHardware,
		SubmittedBy: "vendor-user", SubmittedByRole: rbac.RoleVendor,
	})
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
	var werr *workflow.Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "RAN", werr.Details["scope"])
	assert.Equal(t, workflow.CategoryHardware, werr.Details["documentType"])

	_, err = f.engine.SubmitDocument(ctx, workflow.SubmitDocumentInput{
		SiteReference: "JKT-0201", Scope: "MW", Vendor: "ZTE", Category: workflow.CategoryCombined,
		SubmittedBy: "vendor-user", SubmittedByRole: rbac.RoleVendor,
	})
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
	assert.Empty(t, f.eventTypes())

	sub, err := f.engine.SubmitDocument(ctx, workflow.SubmitDocumentInput{
		SiteReference: "JKT-0202", Title: "RAN license upgrade", Scope: "ran", Vendor: "Ericsson",
		SubmittedBy: "vendor-user", SubmittedByRole: rbac.RoleVendor,
	})
	require.NoError(t, err)
	assert.Equal(t, "STAGE_1_SW", sub.InitialStage)
	for _, role := range []rbac.Role{rbac.RoleBO, rbac.RoleSME, rbac.RoleHeadNOC} {
		_, err := f.decide(t, sub.DocumentID, role, workflow.DecisionApprove)
		require.NoError(t, err)
	}
	assert.Equal(t, workflow.StatusApproved, f.model(t, sub.DocumentID).Document.CurrentStatus)
}

func TestDecisionChecksScopeApprovers(t *testing.T) {
	matrix := workflow.NewApprovalMatrix(map[string]workflow.MatrixEntry{
		"RAN": {Vendors: []string{"Ericsson"}, Approvers: []rbac.Role{rbac.RoleBO, rbac.RoleSME, rbac.RoleHeadNOC}},
	})
	memory := store.NewMemoryStore()
	clock := &fakeClock{now: start}
	submitter := workflow.NewEngine(memory, workflow.WithClock(clock.Now), workflow.WithApprovalMatrix(matrix))
	sub, err := submitter.SubmitDocument(context.Background(), workflow.SubmitDocumentInput{
		SiteReference: "JKT-0300", Scope: "RAN", Vendor: "Ericsson", Category: workflow.CategorySoftware,
		SubmittedBy: "vendor-user", SubmittedByRole: rbac.RoleVendor,
	})
	require.NoError(t, err)

	// The matrix in force at decision time no longer lists BO first.
	changed := workflow.NewApprovalMatrix(map[string]workflow.MatrixEntry{
		"RAN": {Vendors: []string{"Ericsson"}, Approvers: []rbac.Role{rbac.RoleSME, rbac.RoleBO, rbac.RoleHeadNOC}},
	})
	reviewer := workflow.NewEngine(memory, workflow.WithClock(clock.Now), workflow.WithApprovalMatrix(changed))
	_, err = reviewer.SubmitReviewDecision(context.Background(), workflow.DecisionInput{
		DocumentID: sub.DocumentID,
		StageID:    sub.Model.Stages[0].ID,
		Decision:   workflow.DecisionApprove,
		ActorID:    "bo-1",
		ActorRole:  rbac.RoleBO,
	})
	require.ErrorIs(t, err, workflow.ErrForbidden)

	model, err := reviewer.ReadModel(context.Background(), sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPendingReview, model.Document.CurrentStatus)
	assert.Equal(t, workflow.ReviewPending, model.Stages[0].ReviewStatus)
	assert.Empty(t, model.Stages[0].ReviewerID)
}

func TestScopeWithoutApproversIsApprovedOnSubmit(t *testing.T) {
	f := newFixture(t)
	sub, err := f.engine.SubmitDocument(context.Background(), workflow.SubmitDocumentInput{
		SiteReference:   "SBY-0300",
		Title:           "IPRAN configuration",
		Scope:           "ipran",
		Vendor:          "Huawei",
		SubmittedBy:     "vendor-user",
		SubmittedByRole: rbac.RoleVendor,
	})
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusApproved, sub.Model.Document.CurrentStatus)
	assert.Equal(t, 100, sub.Model.Document.CompletionPercentage)
	assert.Empty(t, sub.Model.Stages)
	assert.Empty(t, sub.InitialStage)
	assert.Nil(t, sub.SLADeadline)
	assert.Equal(t, []workflow.EventType{workflow.EventApproved}, f.eventTypes())
}

func TestDocumentCodesArePerCategory(t *testing.T) {
	f := newFixture(t)
	codes := []string{
		f.submit(t, workflow.CategorySoftware).DocumentCode,
		f.submit(t, workflow.CategoryHardware).DocumentCode,
		f.submit(t, workflow.CategorySoftware).DocumentCode,
		f.submit(t, workflow.CategoryCombined).DocumentCode,
	}
	assert.Equal(t, []string{"ATP-SW-000001", "ATP-HW-000001", "ATP-SW-000002", "ATP-CMB-000001"}, codes)

	model, err := f.engine.ReadModelByCode(context.Background(), "ATP-SW-000002")
	require.NoError(t, err)
	assert.Equal(t, workflow.CategorySoftware, model.Document.Category)

	_, err = f.engine.ReadModelByCode(context.Background(), "ATP-SW-000099")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestRectificationGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, workflow.CategorySoftware)
	model, err := f.decide(t, sub.DocumentID, rbac.RoleBO, workflow.DecisionApproveWithPunchlist,
		workflow.PunchlistInput{Description: "Parameter audit missing", Severity: workflow.SeverityMajor})
	require.NoError(t, err)
	itemID := model.PunchlistItems[0].ID

	input := workflow.RectificationInput{
		PunchlistItemID:    itemID,
		RectificationNotes: "Audit attached",
		CompletedBy:        "vendor-user",
		ActorRole:          rbac.RoleBO,
	}
	_, _, err = f.engine.CompleteRectification(ctx, input)
	assert.ErrorIs(t, err, workflow.ErrForbidden)

	input.ActorRole = rbac.RoleVendorAdmin
	input.RectificationNotes = "  "
	_, _, err = f.engine.CompleteRectification(ctx, input)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	input.RectificationNotes = "Audit attached"
	input.PunchlistItemID = "pl_missing"
	_, _, err = f.engine.CompleteRectification(ctx, input)
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	input.PunchlistItemID = itemID
	_, _, err = f.engine.CompleteRectification(ctx, input)
	require.NoError(t, err)
	_, _, err = f.engine.CompleteRectification(ctx, input)
	assert.ErrorIs(t, err, workflow.ErrConflict)
}

func TestConcurrentDecisionsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, workflow.CategorySoftware)
	stageID := sub.Model.Stages[0].ID

	const workers = 16
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SubmitReviewDecision(context.Background(), workflow.DecisionInput{
				DocumentID: sub.DocumentID,
				StageID:    stageID,
				Decision:   workflow.DecisionApprove,
				ActorID:    "bo-user",
				ActorRole:  rbac.RoleBO,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, workflow.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)

	model := f.model(t, sub.DocumentID)
	assert.Equal(t, "STAGE_2_SW", model.Document.CurrentStage)
	pendingCount := 0
	for _, stage := range model.Stages {
		if stage.ReviewStatus == workflow.ReviewPending {
			pendingCount++
		}
	}
	assert.Equal(t, 1, pendingCount)
}

func TestQueueAndOverdueStages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sw := f.submit(t, workflow.CategorySoftware)
	f.clock.Advance(time.Hour)
	hw := f.submit(t, workflow.CategoryHardware)

	queue, err := f.engine.PendingStages(ctx, rbac.RoleBO)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, sw.DocumentID, queue[0].DocumentID)

	all, err := f.engine.PendingStages(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	overdue, err := f.engine.OverdueStages(ctx, start.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, overdue, "a deadline equal to now is not breached")

	overdue, err = f.engine.OverdueStages(ctx, start.Add(48*time.Hour+time.Minute))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, sw.DocumentID, overdue[0].DocumentID)

	overdue, err = f.engine.OverdueStages(ctx, start.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, overdue, 2)
	assert.Equal(t, hw.DocumentID, overdue[1].DocumentID)

	// Nothing advances on its own.
	assert.Equal(t, "STAGE_1_SW", f.model(t, sw.DocumentID).Document.CurrentStage)
}

func TestCustomCatalogAndPolicy(t *testing.T) {
	catalog, err := workflow.NewCatalog(map[workflow.Category][]workflow.StageDefinition{
		workflow.CategorySoftware: {
			{Code: "SW_ONLY", Name: "Single review", Role: rbac.RoleSME},
		},
	}, workflow.CategorySoftware)
	require.NoError(t, err)
	policy := workflow.NewSLAPolicy(map[rbac.Role]int{rbac.RoleSME: 6}, 12)

	f := newFixture(t, workflow.WithCatalog(catalog), workflow.WithSLAPolicy(policy))
	sub := f.submit(t, workflow.CategoryHardware)

	assert.Equal(t, workflow.CategorySoftware, sub.Model.Document.DocumentType)
	assert.Equal(t, "SW_ONLY", sub.InitialStage)
	assert.Equal(t, start.Add(6*time.Hour), *sub.SLADeadline)

	model, err := f.decide(t, sub.DocumentID, rbac.RoleSME, workflow.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, model.Document.CurrentStatus)
}
