package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"

	"github.com/aribuy/apms-sub002/internal/workflow"
)

//go:embed templates/*.html
var templateFS embed.FS

const dateLayout = "02 Jan 2006 15:04 MST"

var certificateTemplate = template.Must(template.New("certificate.html").Funcs(template.FuncMap{
	"upper":         func(v workflow.Severity) string { return strings.ToUpper(string(v)) },
	"formatDate":    formatDate,
	"decisionLabel": decisionLabel,
}).ParseFS(templateFS, "templates/certificate.html"))

// CertificateData holds data for certificate template rendering
type CertificateData struct {
	Document    workflow.Document
	ApprovedAt  time.Time
	Stages      []workflow.ReviewStage
	Punchlist   []workflow.PunchlistItem
	GeneratedAt time.Time
}

func NewCertificateData(model workflow.ReadModel, generatedAt time.Time) (CertificateData, error) {
	if model.Document.CurrentStatus != workflow.StatusApproved || model.Document.ApprovalDate == nil {
		return CertificateData{}, ErrNotApproved
	}
	return CertificateData{
		Document:    model.Document,
		ApprovedAt:  *model.Document.ApprovalDate,
		Stages:      model.Stages,
		Punchlist:   model.PunchlistItems,
		GeneratedAt: generatedAt,
	}, nil
}

// RenderCertificateHTML renders the certificate template with provided data
func RenderCertificateHTML(data CertificateData) (string, error) {
	var buf bytes.Buffer
	if err := certificateTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func formatDate(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(dateLayout)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(dateLayout)
	default:
		return ""
	}
}

func decisionLabel(d workflow.Decision) string {
	switch d {
	case workflow.DecisionApprove:
		return "Approved"
	case workflow.DecisionApproveWithPunchlist:
		return "Approved with punchlist"
	case workflow.DecisionReject:
		return "Rejected"
	default:
		return ""
	}
}
