package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/aribuy/apms-sub002/internal/archive"
	"github.com/aribuy/apms-sub002/internal/auth"
	"github.com/aribuy/apms-sub002/internal/config"
	"github.com/aribuy/apms-sub002/internal/email"
	"github.com/aribuy/apms-sub002/internal/export"
	"github.com/aribuy/apms-sub002/internal/rbac"
	"github.com/aribuy/apms-sub002/internal/search"
	"github.com/aribuy/apms-sub002/internal/workflow"
)

// Store is what the service needs from persistence on top of the engine's
// unit-of-work contract.
type Store interface {
	workflow.Store
	search.DocumentSource
	Ping(ctx context.Context) error
}

type readModelCache interface {
	Get(ctx context.Context, documentID string) (workflow.ReadModel, bool, error)
	Put(ctx context.Context, model workflow.ReadModel) error
	Add(ctx context.Context, model workflow.ReadModel) (bool, error)
	Invalidate(ctx context.Context, documentID string, updatedAt time.Time) error
}

type slaIndex interface {
	Sync(ctx context.Context, stages []workflow.ReviewStage) error
	Overdue(ctx context.Context, now time.Time) ([]string, error)
}

type transitionPublisher interface {
	Publish(ctx context.Context, event workflow.TransitionEvent) error
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexDocument(doc workflow.Document)
	Reindex(ctx context.Context, source search.DocumentSource) (int, error)
}

type notifier interface {
	IsConfigured() bool
	SendStageAssigned(to []string, data email.StageAssignedData) error
	SendOutcome(to []string, data email.OutcomeData) error
}

type certificateRenderer interface {
	Certificate(ctx context.Context, model workflow.ReadModel, format export.Format) (*export.Result, error)
}

type certificateArchive interface {
	StoreCertificate(ctx context.Context, documentCode, filename, contentType string, data []byte) (archive.Object, error)
}

// Dependencies are the optional collaborators of a Service. Leave a field
// nil to disable that integration.
type Dependencies struct {
	Cache        readModelCache
	SLA          slaIndex
	Events       transitionPublisher
	Search       searchService
	Mail         notifier
	Certificates certificateRenderer
	Archive      certificateArchive
	Logger       *slog.Logger
}

type Service struct {
	cfg          config.Config
	store        Store
	engine       *workflow.Engine
	cache        readModelCache
	sla          slaIndex
	events       transitionPublisher
	search       searchService
	mail         notifier
	certificates certificateRenderer
	archive      certificateArchive
	logger       *slog.Logger
	validate     *validator.Validate
	reads        singleflight.Group
	background   sync.WaitGroup
}

// New wires the workflow engine to the store and registers the service as
// the engine's transition observer.
func New(cfg config.Config, dataStore Store, deps Dependencies, opts ...workflow.Option) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	certificates := deps.Certificates
	if certificates == nil {
		certificates = export.NewService(nil)
	}
	s := &Service{
		cfg:          cfg,
		store:        dataStore,
		cache:        deps.Cache,
		sla:          deps.SLA,
		events:       deps.Events,
		search:       deps.Search,
		mail:         deps.Mail,
		certificates: certificates,
		archive:      deps.Archive,
		logger:       logger,
		validate:     validator.New(),
	}
	engineOpts := append([]workflow.Option{workflow.WithLogger(logger)}, opts...)
	engineOpts = append(engineOpts, workflow.WithObserver(s))
	s.engine = workflow.NewEngine(dataStore, engineOpts...)
	return s
}

func (s *Service) Engine() *workflow.Engine {
	return s.engine
}

// Bootstrap rebuilds the derived Redis and search state from the store.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.sla != nil {
		pending, err := s.engine.PendingStages(ctx, "")
		if err != nil {
			return fmt.Errorf("load pending stages: %w", err)
		}
		if err := s.sla.Sync(ctx, pending); err != nil {
			return fmt.Errorf("rebuild sla index: %w", err)
		}
	}
	if s.search != nil {
		if _, err := s.search.Reindex(ctx, s.store); err != nil {
			return fmt.Errorf("reindex search: %w", err)
		}
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// Wait blocks until background notifications have been sent.
func (s *Service) Wait() {
	s.background.Wait()
}

type SubmitDocumentRequest struct {
	SiteReference string `json:"siteReference" validate:"required,max=64"`
	Title         string `json:"title" validate:"max=512"`
	Category      string `json:"category" validate:"max=16"`
	Scope         string `json:"scope" validate:"max=64"`
	Vendor        string `json:"vendor" validate:"max=64"`
}

type PunchlistRequest struct {
	Description string `json:"issueDescription" validate:"required,max=2000"`
	Severity    string `json:"severity" validate:"required"`
	Category    string `json:"issueCategory" validate:"max=64"`
}

type DecisionRequest struct {
	Decision       string             `json:"decision" validate:"required"`
	Comments       string             `json:"comments" validate:"max=4000"`
	PunchlistItems []PunchlistRequest `json:"punchlistItems" validate:"dive"`
}

type RectifyRequest struct {
	RectificationNotes string `json:"rectificationNotes" validate:"required,max=4000"`
}

func (s *Service) SubmitDocument(ctx context.Context, actor auth.Actor, req SubmitDocumentRequest) (workflow.Submission, error) {
	if err := s.validateRequest(req); err != nil {
		return workflow.Submission{}, err
	}
	return s.engine.SubmitDocument(ctx, workflow.SubmitDocumentInput{
		SiteReference:   req.SiteReference,
		Title:           req.Title,
		Category:        workflow.Category(req.Category),
		Scope:           req.Scope,
		Vendor:          req.Vendor,
		SubmittedBy:     actor.ID,
		SubmittedByRole: actor.Role,
	})
}

func (s *Service) Decide(ctx context.Context, actor auth.Actor, documentID, stageID string, req DecisionRequest) (workflow.ReadModel, error) {
	if err := s.validateRequest(req); err != nil {
		return workflow.ReadModel{}, err
	}
	items := make([]workflow.PunchlistInput, 0, len(req.PunchlistItems))
	for _, item := range req.PunchlistItems {
		items = append(items, workflow.PunchlistInput{
			Description: item.Description,
			Severity:    workflow.Severity(item.Severity),
			Category:    item.Category,
		})
	}
	return s.engine.SubmitReviewDecision(ctx, workflow.DecisionInput{
		DocumentID:     documentID,
		StageID:        stageID,
		Decision:       workflow.Decision(req.Decision),
		ActorID:        actor.ID,
		ActorRole:      actor.Role,
		Comments:       req.Comments,
		PunchlistItems: items,
	})
}

// Evaluate re-runs terminal evaluation. Only administrators may trigger it.
func (s *Service) Evaluate(ctx context.Context, actor auth.Actor, documentID string) (workflow.ReadModel, error) {
	if !s.Can(actor.Role, rbac.ActionAdmin) {
		return workflow.ReadModel{}, forbiddenError()
	}
	return s.engine.Evaluate(ctx, documentID)
}

func (s *Service) StartRectification(ctx context.Context, actor auth.Actor, itemID string) (workflow.PunchlistItem, error) {
	return s.engine.StartRectification(ctx, itemID, actor.ID, actor.Role)
}

func (s *Service) CompleteRectification(ctx context.Context, actor auth.Actor, itemID string, req RectifyRequest) (workflow.PunchlistItem, workflow.ReadModel, error) {
	if err := s.validateRequest(req); err != nil {
		return workflow.PunchlistItem{}, workflow.ReadModel{}, err
	}
	return s.engine.CompleteRectification(ctx, workflow.RectificationInput{
		PunchlistItemID:    itemID,
		RectificationNotes: req.RectificationNotes,
		CompletedBy:        actor.ID,
		ActorRole:          actor.Role,
	})
}

// ReadModel serves the cached read model when present. Concurrent misses for
// the same document share one store read.
func (s *Service) ReadModel(ctx context.Context, actor auth.Actor, documentID string) (workflow.ReadModel, error) {
	if !s.Can(actor.Role, rbac.ActionRead) {
		return workflow.ReadModel{}, forbiddenError()
	}
	if s.cache != nil {
		model, ok, err := s.cache.Get(ctx, documentID)
		if err != nil {
			s.logger.Warn("read model cache get failed", "documentId", documentID, "err", err)
		} else if ok {
			return model, nil
		}
	}

	value, err, _ := s.reads.Do(documentID, func() (any, error) {
		model, err := s.engine.ReadModel(ctx, documentID)
		if err != nil {
			return workflow.ReadModel{}, err
		}
		if s.cache != nil {
			if _, err := s.cache.Add(ctx, model); err != nil {
				s.logger.Warn("read model cache fill failed", "documentId", documentID, "err", err)
			}
		}
		return model, nil
	})
	if err != nil {
		return workflow.ReadModel{}, err
	}
	return value.(workflow.ReadModel), nil
}

// Queue lists pending stages for the actor's role. Administrators see every
// pending stage.
func (s *Service) Queue(ctx context.Context, actor auth.Actor) ([]workflow.ReviewStage, error) {
	role, err := queueRole(actor)
	if err != nil {
		return nil, err
	}
	return s.engine.PendingStages(ctx, role)
}

// Overdue lists pending stages past their SLA deadline, restricted like Queue.
// The Redis deadline index narrows the candidates when it is configured; the
// store stays authoritative for which stages are still pending.
func (s *Service) Overdue(ctx context.Context, actor auth.Actor) ([]workflow.ReviewStage, error) {
	role, err := queueRole(actor)
	if err != nil {
		return nil, err
	}
	now := s.engine.Now()

	var stages []workflow.ReviewStage
	if s.sla != nil {
		ids, err := s.sla.Overdue(ctx, now)
		if err != nil {
			s.logger.Warn("sla index unavailable, scanning store", "err", err)
		} else {
			pending, err := s.engine.PendingStages(ctx, role)
			if err != nil {
				return nil, err
			}
			stages = slices.DeleteFunc(pending, func(stage workflow.ReviewStage) bool {
				return !slices.Contains(ids, stage.ID) || stage.SLADeadline == nil || !workflow.Breached(*stage.SLADeadline, now)
			})
			return stages, nil
		}
	}

	stages, err = s.engine.OverdueStages(ctx, now)
	if err != nil {
		return nil, err
	}
	if role != "" {
		stages = slices.DeleteFunc(stages, func(stage workflow.ReviewStage) bool { return stage.AssignedRole != role })
	}
	return stages, nil
}

func queueRole(actor auth.Actor) (rbac.Role, error) {
	switch {
	case rbac.IsAdmin(actor.Role):
		return "", nil
	case rbac.IsReviewer(actor.Role):
		return actor.Role, nil
	default:
		return "", forbiddenError()
	}
}

func (s *Service) Search(ctx context.Context, actor auth.Actor, q search.Query) (search.Response, error) {
	if !s.Can(actor.Role, rbac.ActionRead) {
		return search.Response{}, forbiddenError()
	}
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// Certificate renders the approval certificate and, when an archive is
// configured, stores a copy of it. Archive failures do not fail the export.
func (s *Service) Certificate(ctx context.Context, actor auth.Actor, documentID string, format export.Format) (*export.Result, *archive.Object, error) {
	if !s.Can(actor.Role, rbac.ActionRead) {
		return nil, nil, forbiddenError()
	}
	model, err := s.engine.ReadModel(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.certificates.Certificate(ctx, model, format)
	if errors.Is(err, export.ErrNotApproved) {
		return nil, nil, domainError(http.StatusConflict, "CONFLICT", "Certificate is only available for approved documents", map[string]any{
			"currentStatus": model.Document.CurrentStatus,
		})
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available", nil)
	}
	if err != nil {
		return nil, nil, err
	}

	if s.archive == nil {
		return result, nil, nil
	}
	object, err := s.archive.StoreCertificate(ctx, model.Document.Code, result.Filename, result.MimeType, result.Data)
	if err != nil {
		s.logger.Warn("archive certificate failed", "documentCode", model.Document.Code, "err", err)
		return result, nil, nil
	}
	return result, &object, nil
}

func (s *Service) Catalog(documentType string) (map[string]any, error) {
	category, err := workflow.ParseCategory(documentType)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_TRANSITION", err.Error(), nil)
	}
	resolved, stages := s.engine.Catalog().Resolve(category)
	policy := s.engine.SLAPolicy()
	out := make([]map[string]any, 0, len(stages))
	for i, stage := range stages {
		out = append(out, map[string]any{
			"stageNumber":  i + 1,
			"stageCode":    stage.Code,
			"stageName":    stage.Name,
			"assignedRole": stage.Role,
			"slaHours":     policy.StageSLAHours(stage.Role),
		})
	}
	return map[string]any{"documentType": category, "resolvedType": resolved, "stages": out}, nil
}

func (s *Service) Matrix(scope string) (map[string]any, error) {
	entry, ok := s.engine.Matrix().Lookup(scope)
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown scope", map[string]any{"scope": scope})
	}
	return map[string]any{
		"scope":    scope,
		"vendors":  entry.Vendors,
		"workflow": s.engine.Matrix().ResolveApprovalWorkflow(scope),
	}, nil
}

func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	fields := make([]map[string]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		fields = append(fields, map[string]string{"field": fe.Namespace(), "rule": fe.Tag()})
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", map[string]any{"fields": fields})
}
