package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aribuy/apms-sub002/internal/archive"
	"github.com/aribuy/apms-sub002/internal/auth"
	"github.com/aribuy/apms-sub002/internal/cache"
	"github.com/aribuy/apms-sub002/internal/config"
	"github.com/aribuy/apms-sub002/internal/email"
	"github.com/aribuy/apms-sub002/internal/export"
	"github.com/aribuy/apms-sub002/internal/rbac"
	"github.com/aribuy/apms-sub002/internal/search"
	"github.com/aribuy/apms-sub002/internal/store"
	"github.com/aribuy/apms-sub002/internal/workflow"
)

const testSecret = "test-secret"

var (
	vendor = auth.Actor{ID: "vendor-1", Name: "Vendor", Role: rbac.RoleVendor}
	bo     = auth.Actor{ID: "bo-1", Name: "Back Office", Role: rbac.RoleBO}
	sme    = auth.Actor{ID: "sme-1", Name: "SME", Role: rbac.RoleSME}
	noc    = auth.Actor{ID: "noc-1", Name: "Head NOC", Role: rbac.RoleHeadNOC}
	fop    = auth.Actor{ID: "fop-1", Name: "FOP RTS", Role: rbac.RoleFOPRTS}
	region = auth.Actor{ID: "region-1", Name: "Region", Role: rbac.RoleRegionTeam}
	rth    = auth.Actor{ID: "rth-1", Name: "RTH", Role: rbac.RoleRTH}
	admin  = auth.Actor{ID: "admin-1", Name: "Admin", Role: rbac.RoleAdmin}
)

type sentMail struct {
	to   []string
	code string
	what string
}

type fakeMailer struct {
	mu       sync.Mutex
	assigned []sentMail
	outcomes []sentMail
}

func (f *fakeMailer) IsConfigured() bool { return true }

func (f *fakeMailer) SendStageAssigned(to []string, data email.StageAssignedData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, sentMail{to: to, code: data.DocumentCode, what: data.AssignedRole})
	return nil
}

func (f *fakeMailer) SendOutcome(to []string, data email.OutcomeData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, sentMail{to: to, code: data.DocumentCode, what: data.Outcome})
	return nil
}

type fakeArchive struct {
	mu      sync.Mutex
	objects []archive.Object
	err     error
}

func (f *fakeArchive) StoreCertificate(_ context.Context, documentCode, filename, contentType string, data []byte) (archive.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return archive.Object{}, f.err
	}
	object := archive.Object{Bucket: "atp", Key: archive.CertificateKey(documentCode, filename), Size: int64(len(data)), ContentType: contentType}
	f.objects = append(f.objects, object)
	return object, nil
}

type fakePDF struct{}

func (fakePDF) RenderPDF(context.Context, string) ([]byte, error) {
	return []byte("%PDF-1.4"), nil
}

// pingStore lets readiness tests fail the database check.
type pingStore struct {
	*store.MemoryStore
	pingErr error
}

func (p pingStore) Ping(context.Context) error { return p.pingErr }

type harness struct {
	svc     *Service
	store   *store.MemoryStore
	redis   *miniredis.Miniredis
	mail    *fakeMailer
	archive *fakeArchive
	now     time.Time
}

func (h *harness) clock() time.Time { return h.now }

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := cache.Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		store:   store.NewMemoryStore(),
		redis:   mr,
		mail:    &fakeMailer{},
		archive: &fakeArchive{},
		now:     time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
	}
	cfg := config.Config{
		JWTSecret: testSecret,
		Recipients: map[rbac.Role][]string{
			rbac.RoleVendor:  {"vendor@example.com"},
			rbac.RoleBO:      {"bo@example.com"},
			rbac.RoleHeadNOC: {"noc@example.com"},
		},
	}
	h.svc = New(cfg, h.store, Dependencies{
		Cache:        cache.NewReadModelCache(client, time.Minute),
		SLA:          cache.NewSLATracker(client),
		Events:       cache.NewPublisher(client),
		Search:       search.NewService(nil, search.NewScan(h.store), nil),
		Mail:         h.mail,
		Certificates: export.NewService(fakePDF{}),
		Archive:      h.archive,
	}, workflow.WithClock(h.clock))
	return h
}

func (h *harness) submit(t *testing.T, req SubmitDocumentRequest) workflow.Submission {
	t.Helper()
	sub, err := h.svc.SubmitDocument(context.Background(), vendor, req)
	require.NoError(t, err)
	return sub
}

func (h *harness) decide(t *testing.T, actor auth.Actor, documentID string, req DecisionRequest) workflow.ReadModel {
	t.Helper()
	model, err := h.svc.ReadModel(context.Background(), actor, documentID)
	require.NoError(t, err)
	pending, ok := model.PendingStage()
	require.True(t, ok, "document has no pending stage")
	model, err = h.svc.Decide(context.Background(), actor, documentID, pending.ID, req)
	require.NoError(t, err)
	return model
}

func TestServiceSoftwareLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub := h.submit(t, SubmitDocumentRequest{SiteReference: "JKT-0042", Title: "RAN software integration", Category: "software"})
	assert.Equal(t, "ATP-SW-000001", sub.DocumentCode)
	assert.True(t, h.redis.Exists("atp:readmodel:"+sub.DocumentID), "submission must be cached")
	members, err := h.redis.ZMembers("atp:sla:deadlines")
	require.NoError(t, err)
	assert.Equal(t, []string{sub.Model.Stages[0].ID}, members)

	queue, err := h.svc.Queue(ctx, bo)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	for _, actor := range []auth.Actor{bo, sme, noc} {
		h.decide(t, actor, sub.DocumentID, DecisionRequest{Decision: "approve"})
	}

	model, err := h.svc.ReadModel(ctx, vendor, sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, model.Document.CurrentStatus)
	assert.Equal(t, "noc-1", model.Document.FinalApprover)

	members, _ = h.redis.ZMembers("atp:sla:deadlines")
	assert.Empty(t, members, "approved documents leave nothing to track")

	h.svc.Wait()
	h.mail.mu.Lock()
	defer h.mail.mu.Unlock()
	assert.ElementsMatch(t, []sentMail{
		{to: []string{"bo@example.com"}, code: "ATP-SW-000001", what: "BO"},
		{to: nil, code: "ATP-SW-000001", what: "SME"},
		{to: []string{"noc@example.com"}, code: "ATP-SW-000001", what: "HEAD_NOC"},
	}, h.mail.assigned)
	require.Len(t, h.mail.outcomes, 1)
	assert.Equal(t, sentMail{to: []string{"vendor@example.com"}, code: "ATP-SW-000001", what: "approved"}, h.mail.outcomes[0])
}

func TestServicePublishesTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	client, err := cache.Connect(ctx, "redis://"+h.redis.Addr())
	require.NoError(t, err)
	defer client.Close()
	sub := client.Subscribe(ctx, cache.TransitionChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	h.submit(t, SubmitDocumentRequest{SiteReference: "BDG-0100", Category: "HARDWARE"})

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)

	var event workflow.TransitionEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, workflow.EventSubmitted, event.Type)
	assert.Equal(t, "ATP-HW-000001", event.Model.Document.Code)
	require.NotNil(t, event.Stage)
	assert.Equal(t, "STAGE_1_HW", event.Stage.StageCode)
}

func TestServiceReadModelFillsCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.submit(t, SubmitDocumentRequest{SiteReference: "JKT-0001", Category: "SOFTWARE"})

	key := "atp:readmodel:" + sub.DocumentID
	h.redis.Del(key)

	model, err := h.svc.ReadModel(ctx, bo, sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, sub.DocumentCode, model.Document.Code)
	assert.True(t, h.redis.Exists(key), "miss must refill the cache")

	_, err = h.svc.ReadModel(ctx, auth.Actor{ID: "x", Role: "GUEST"}, sub.DocumentID)
	assert.Equal(t, forbiddenError(), err)

	_, err = h.svc.ReadModel(ctx, bo, "missing")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestServiceSurvivesRedisOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.submit(t, SubmitDocumentRequest{SiteReference: "SBY-0001", Category: "SOFTWARE"})

	h.redis.SetError("ERR server unavailable")

	model := h.decide(t, bo, sub.DocumentID, DecisionRequest{Decision: "approve"})
	assert.Equal(t, "STAGE_2_SW", model.Document.CurrentStage)

	model, err := h.svc.ReadModel(ctx, sme, sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "STAGE_2_SW", model.Document.CurrentStage)

	overdue, err := h.svc.Overdue(ctx, admin)
	require.NoError(t, err, "overdue falls back to the store")
	assert.Empty(t, overdue)
}

func TestServiceOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sw := h.submit(t, SubmitDocumentRequest{SiteReference: "JKT-0001", Category: "SOFTWARE"})
	hw := h.submit(t, SubmitDocumentRequest{SiteReference: "JKT-0002", Category: "HARDWARE"})

	overdue, err := h.svc.Overdue(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	h.now = h.now.Add(49 * time.Hour)

	overdue, err = h.svc.Overdue(ctx, admin)
	require.NoError(t, err)
	require.Len(t, overdue, 2)

	overdue, err = h.svc.Overdue(ctx, fop)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, hw.DocumentID, overdue[0].DocumentID)

	overdue, err = h.svc.Overdue(ctx, bo)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, sw.DocumentID, overdue[0].DocumentID)

	_, err = h.svc.Overdue(ctx, vendor)
	assert.Equal(t, forbiddenError(), err)
	_, err = h.svc.Queue(ctx, vendor)
	assert.Equal(t, forbiddenError(), err)
}

func TestServicePunchlistFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.submit(t, SubmitDocumentRequest{SiteReference: "MDN-0003", Category: "HARDWARE"})

	h.decide(t, fop, sub.DocumentID, DecisionRequest{
		Decision: "approve_with_punchlist",
		PunchlistItems: []PunchlistRequest{
			{Description: "Feeder not labelled", Severity: "MINOR"},
		},
	})
	h.decide(t, region, sub.DocumentID, DecisionRequest{Decision: "approve"})
	model := h.decide(t, rth, sub.DocumentID, DecisionRequest{Decision: "approve"})
	require.Equal(t, workflow.StatusPendingReviewWithPunchlist, model.Document.CurrentStatus)
	require.Len(t, model.PunchlistItems, 1)
	itemID := model.PunchlistItems[0].ID

	_, _, err := h.svc.Certificate(ctx, vendor, sub.DocumentID, export.FormatPDF)
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "CONFLICT", domainErr.Code)

	item, err := h.svc.StartRectification(ctx, vendor, itemID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PunchlistInProgress, item.Status)

	_, _, err = h.svc.CompleteRectification(ctx, vendor, itemID, RectifyRequest{})
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "VALIDATION_ERROR", domainErr.Code)

	item, model, err = h.svc.CompleteRectification(ctx, vendor, itemID, RectifyRequest{RectificationNotes: "Labels fitted"})
	require.NoError(t, err)
	assert.Equal(t, workflow.PunchlistCompleted, item.Status)
	assert.Equal(t, workflow.StatusApproved, model.Document.CurrentStatus)

	result, object, err := h.svc.Certificate(ctx, vendor, sub.DocumentID, export.FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", result.MimeType)
	require.NotNil(t, object)
	assert.Equal(t, archive.CertificateKey("ATP-HW-000001", result.Filename), object.Key)
}

func TestServiceCertificateArchiveFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.archive.err = errors.New("bucket missing")
	sub := h.submit(t, SubmitDocumentRequest{SiteReference: "JKT-0001", Category: "SOFTWARE"})
	for _, actor := range []auth.Actor{bo, sme, noc} {
		h.decide(t, actor, sub.DocumentID, DecisionRequest{Decision: "approve"})
	}

	result, object, err := h.svc.Certificate(context.Background(), bo, sub.DocumentID, export.FormatHTML)
	require.NoError(t, err)
	assert.Nil(t, object)
	assert.Contains(t, string(result.Data), "ATP-SW-000001")
}

func TestServiceValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SubmitDocument(ctx, vendor, SubmitDocumentRequest{Title: "no site"})
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "VALIDATION_ERROR", domainErr.Code)
	details, ok := domainErr.Details.(map[string]any)
	require.True(t, ok)
	fields := details["fields"].([]map[string]string)
	assert.Equal(t, "SubmitDocumentRequest.SiteReference", fields[0]["field"])
	assert.Equal(t, "required", fields[0]["rule"])

	sub := h.submit(t, SubmitDocumentRequest{SiteReference: "JKT-0001", Category: "SOFTWARE"})
	stageID := sub.Model.Stages[0].ID
	_, err = h.svc.Decide(ctx, bo, sub.DocumentID, stageID, DecisionRequest{
		Decision:       "approve_with_punchlist",
		PunchlistItems: []PunchlistRequest{{Severity: "minor"}},
	})
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "VALIDATION_ERROR", domainErr.Code)

	_, err = h.svc.Decide(ctx, bo, sub.DocumentID, stageID, DecisionRequest{Decision: "maybe"})
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	_, err = h.svc.SubmitDocument(ctx, vendor, SubmitDocumentRequest{SiteReference: "JKT-0002", Category: "FIRMWARE"})
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestServiceEvaluateIsAdminOnly(t *testing.T) {
	h := newHarness(t)
	sub := h.submit(t, SubmitDocumentRequest{SiteReference: "JKT-0001", Category: "SOFTWARE"})

	_, err := h.svc.Evaluate(context.Background(), bo, sub.DocumentID)
	assert.Equal(t, forbiddenError(), err)

	model, err := h.svc.Evaluate(context.Background(), admin, sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPendingReview, model.Document.CurrentStatus)
}

func TestServiceSearchAndBootstrap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, SubmitDocumentRequest{SiteReference: "JKT-0042", Title: "MW link", Category: "HARDWARE", Scope: "MW", Vendor: "ZTE"})
	h.submit(t, SubmitDocumentRequest{SiteReference: "SBY-0007", Category: "SOFTWARE"})

	resp, err := h.svc.Search(ctx, bo, search.Query{Text: "jkt"})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "ATP-HW-000001", resp.Results[0].DocumentCode)

	_, err = h.svc.Search(ctx, bo, search.Query{Text: " "})
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "VALIDATION_ERROR", domainErr.Code)

	h.redis.FlushAll()
	require.NoError(t, h.svc.Bootstrap(ctx))
	members, err := h.redis.ZMembers("atp:sla:deadlines")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestServiceCatalogAndMatrix(t *testing.T) {
	h := newHarness(t)

	payload, err := h.svc.Catalog("unknown")
	require.NoError(t, err)
	assert.Equal(t, workflow.CategoryCombined, payload["resolvedType"])
	assert.Len(t, payload["stages"], 5)

	_, err = h.svc.Catalog("firmware")
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "INVALID_TRANSITION", domainErr.Code)

	payload, err = h.svc.Matrix("MW")
	require.NoError(t, err)
	steps := payload["workflow"].([]workflow.ApprovalStep)
	require.Len(t, steps, 3)
	assert.Equal(t, rbac.RoleFOPRTS, steps[0].Role)

	_, err = h.svc.Matrix("Fiber")
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "NOT_FOUND", domainErr.Code)
}
