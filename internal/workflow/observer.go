package workflow

import (
	"context"
	"time"

	"github.com/aribuy/apms-sub002/internal/rbac"
)

type EventType string

const (
	EventSubmitted       EventType = "submitted"
	EventStageActivated  EventType = "stage_activated"
	EventRejected        EventType = "rejected"
	EventApproved        EventType = "approved"
	EventAwaitingPunch   EventType = "awaiting_punchlist"
	EventPunchlistUpdate EventType = "punchlist_updated"
	EventRectified       EventType = "rectified"
)

// TransitionEvent describes a committed change to one document.
type TransitionEvent struct {
	Type       EventType `json:"type"`
	ActorID    string    `json:"actorId"`
	ActorRole  rbac.Role `json:"actorRole"`
	OccurredAt time.Time `json:"occurredAt"`
	// Stage is the stage that became pending, if any.
	Stage *ReviewStage `json:"stage,omitempty"`
	Model ReadModel    `json:"model"`
}

// Observer is told about transitions after they are committed. It cannot
// veto or roll back a transition.
type Observer interface {
	OnTransition(ctx context.Context, event TransitionEvent)
}

type ObserverFunc func(ctx context.Context, event TransitionEvent)

func (f ObserverFunc) OnTransition(ctx context.Context, event TransitionEvent) {
	f(ctx, event)
}
