package app

import (
	"context"

	"github.com/aribuy/apms-sub002/internal/email"
	"github.com/aribuy/apms-sub002/internal/rbac"
	"github.com/aribuy/apms-sub002/internal/workflow"
)

// OnTransition refreshes the derived state of a document after the engine
// has committed a transition. Failures are logged and never reach the caller.
func (s *Service) OnTransition(ctx context.Context, event workflow.TransitionEvent) {
	doc := event.Model.Document
	logger := s.logger.With("documentCode", doc.Code, "event", event.Type)
	logger.Info("workflow transition", "status", doc.CurrentStatus, "currentStage", doc.CurrentStage, "actor", event.ActorID)

	if s.cache != nil {
		if err := s.cache.Put(ctx, event.Model); err != nil {
			logger.Warn("cache read model failed", "err", err)
			if err := s.cache.Invalidate(ctx, doc.ID, doc.UpdatedAt); err != nil {
				logger.Error("invalidate read model failed", "err", err)
			}
		}
	}
	if s.sla != nil {
		if err := s.sla.Sync(ctx, event.Model.Stages); err != nil {
			logger.Warn("sync sla index failed", "err", err)
		}
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, event); err != nil {
			logger.Warn("publish transition failed", "err", err)
		}
	}
	if s.search != nil {
		s.search.IndexDocument(doc)
	}
	s.notify(event)
}

func (s *Service) notify(event workflow.TransitionEvent) {
	if s.mail == nil || !s.mail.IsConfigured() {
		return
	}
	doc := event.Model.Document

	var send func() error
	switch {
	case event.Stage != nil:
		to := s.recipients(event.Stage.AssignedRole)
		data := email.StageAssignedData{
			DocumentCode:  doc.Code,
			SiteReference: doc.SiteReference,
			Title:         doc.Title,
			StageName:     event.Stage.StageName,
			AssignedRole:  string(event.Stage.AssignedRole),
			SLADeadline:   event.Stage.SLADeadline,
		}
		send = func() error { return s.mail.SendStageAssigned(to, data) }
	case event.Type == workflow.EventApproved || event.Type == workflow.EventRejected:
		to := s.recipients(doc.UploadedByRole)
		data := email.OutcomeData{
			DocumentCode:  doc.Code,
			SiteReference: doc.SiteReference,
			Title:         doc.Title,
			Outcome:       string(doc.CurrentStatus),
			Actor:         event.ActorID,
		}
		if event.Type == workflow.EventRejected {
			data.Comments = rejectionComments(event.Model.Stages)
		}
		send = func() error { return s.mail.SendOutcome(to, data) }
	default:
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := send(); err != nil {
			s.logger.Warn("send notification failed", "documentCode", doc.Code, "event", event.Type, "err", err)
		}
	}()
}

func (s *Service) recipients(role rbac.Role) []string {
	return s.cfg.Recipients[role]
}

func rejectionComments(stages []workflow.ReviewStage) string {
	for _, stage := range stages {
		if stage.Decision == workflow.DecisionReject {
			return stage.Comments
		}
	}
	return ""
}
