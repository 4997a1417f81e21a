// Package workflow implements the ATP review-stage state machine: stage
// catalogs, SLA deadlines, the approval matrix, review decisions and the
// punchlist gate in front of final approval.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/aribuy/apms-sub002/internal/rbac"
)

type Category string

const (
	CategoryHardware Category = "HARDWARE"
	CategorySoftware Category = "SOFTWARE"
	CategoryCombined Category = "COMBINED"
	CategoryUnknown  Category = "UNKNOWN"
)

func ParseCategory(value string) (Category, error) {
	category := Category(strings.ToUpper(strings.TrimSpace(value)))
	switch category {
	case CategoryHardware, CategorySoftware, CategoryCombined, CategoryUnknown:
		return category, nil
	case "":
		return CategoryUnknown, nil
	default:
		return "", fmt.Errorf("unknown category %q", value)
	}
}

func (c Category) codePrefix() string {
	switch c {
	case CategoryHardware:
		return "HW"
	case CategorySoftware:
		return "SW"
	case CategoryCombined:
		return "CMB"
	default:
		return "UNK"
	}
}

type DocumentStatus string

const (
	StatusPendingReview              DocumentStatus = "pending_review"
	StatusPendingReviewWithPunchlist DocumentStatus = "pending_review_with_punchlist"
	StatusApproved                   DocumentStatus = "approved"
	StatusRejected                   DocumentStatus = "rejected"
)

func (s DocumentStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type ReviewStatus string

const (
	ReviewWaiting   ReviewStatus = "waiting"
	ReviewPending   ReviewStatus = "pending"
	ReviewCompleted ReviewStatus = "completed"
)

type Decision string

const (
	DecisionApprove              Decision = "approve"
	DecisionApproveWithPunchlist Decision = "approve_with_punchlist"
	DecisionReject               Decision = "reject"
)

func ParseDecision(value string) (Decision, error) {
	decision := Decision(strings.ToLower(strings.TrimSpace(value)))
	switch decision {
	case DecisionApprove, DecisionApproveWithPunchlist, DecisionReject:
		return decision, nil
	default:
		return "", fmt.Errorf("unknown decision %q", value)
	}
}

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

func ParseSeverity(value string) (Severity, error) {
	severity := Severity(strings.ToLower(strings.TrimSpace(value)))
	switch severity {
	case SeverityMinor, SeverityMajor, SeverityCritical:
		return severity, nil
	default:
		return "", fmt.Errorf("unknown severity %q", value)
	}
}

type PunchlistStatus string

const (
	PunchlistIdentified PunchlistStatus = "identified"
	PunchlistInProgress PunchlistStatus = "in_progress"
	PunchlistCompleted  PunchlistStatus = "completed"
)

type Document struct {
	ID            string   `json:"id"`
	Code          string   `json:"documentCode"`
	SiteReference string   `json:"siteReference"`
	Title         string   `json:"title,omitempty"`
	Scope         string   `json:"scope,omitempty"`
	Vendor        string   `json:"vendor,omitempty"`
	Category      Category `json:"category"`
	Confidence    float64  `json:"confidence"`
	// DocumentType is the category the stage sequence was resolved for. It
	// differs from Category when the catalog fell back.
	DocumentType         Category       `json:"documentType"`
	CurrentStage         string         `json:"currentStage"`
	CurrentStatus        DocumentStatus `json:"currentStatus"`
	CompletionPercentage int            `json:"completionPercentage"`
	SubmittedBy          string         `json:"submittedBy"`
	UploadedByRole       rbac.Role      `json:"uploadedByRole"`
	SubmittedAt          time.Time      `json:"submittedAt"`
	ApprovalDate         *time.Time     `json:"approvalDate,omitempty"`
	FinalApprover        string         `json:"finalApprover,omitempty"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

type ReviewStage struct {
	ID           string       `json:"id"`
	DocumentID   string       `json:"documentId"`
	StageNumber  int          `json:"stageNumber"`
	StageCode    string       `json:"stageCode"`
	StageName    string       `json:"stageName"`
	AssignedRole rbac.Role    `json:"assignedRole"`
	ReviewStatus ReviewStatus `json:"reviewStatus"`
	Decision     Decision     `json:"decision,omitempty"`
	SLADeadline  *time.Time   `json:"slaDeadline,omitempty"`
	ReviewerID   string       `json:"reviewerId,omitempty"`
	Comments     string       `json:"comments,omitempty"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}

type PunchlistItem struct {
	ID                 string          `json:"id"`
	DocumentID         string          `json:"documentId"`
	ReviewStageID      string          `json:"reviewStageId"`
	PunchlistNumber    string          `json:"punchlistNumber"`
	IssueDescription   string          `json:"issueDescription"`
	Severity           Severity        `json:"severity"`
	IssueCategory      string          `json:"issueCategory"`
	Status             PunchlistStatus `json:"status"`
	IdentifiedBy       string          `json:"identifiedBy,omitempty"`
	RectificationNotes string          `json:"rectificationNotes,omitempty"`
	CompletedBy        string          `json:"completedBy,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// ReadModel is the snapshot handed to rendering and reporting collaborators
// after every transition.
type ReadModel struct {
	Document       Document        `json:"document"`
	Stages         []ReviewStage   `json:"stages"`
	PunchlistItems []PunchlistItem `json:"punchlistItems"`
}

func (m ReadModel) PendingStage() (ReviewStage, bool) {
	for _, stage := range m.Stages {
		if stage.ReviewStatus == ReviewPending {
			return stage, true
		}
	}
	return ReviewStage{}, false
}

func (m ReadModel) OutstandingPunchlist() int {
	return countOutstanding(m.PunchlistItems)
}

func countOutstanding(items []PunchlistItem) int {
	count := 0
	for _, item := range items {
		if item.Status != PunchlistCompleted {
			count++
		}
	}
	return count
}

func completionPercentage(stages []ReviewStage) int {
	if len(stages) == 0 {
		return 0
	}
	completed := 0
	for _, stage := range stages {
		if stage.ReviewStatus == ReviewCompleted {
			completed++
		}
	}
	return completed * 100 / len(stages)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
