package workflow

import (
	"slices"
	"strings"

	"github.com/aribuy/apms-sub002/internal/rbac"
)

type MatrixEntry struct {
	Vendors   []string    `json:"vendors"`
	Approvers []rbac.Role `json:"approvers"`
}

type ApprovalStep struct {
	StageNumber int       `json:"stageNumber"`
	Role        rbac.Role `json:"role"`
}

// ApprovalMatrix maps a work scope to the vendors allowed to upload for it
// and the ordered approver roles. A scope with no approvers needs no review.
type ApprovalMatrix struct {
	entries map[string]MatrixEntry
}

func NewApprovalMatrix(entries map[string]MatrixEntry) ApprovalMatrix {
	copied := make(map[string]MatrixEntry, len(entries))
	for scope, entry := range entries {
		copied[normalizeScope(scope)] = MatrixEntry{
			Vendors:   append([]string(nil), entry.Vendors...),
			Approvers: append([]rbac.Role(nil), entry.Approvers...),
		}
	}
	return ApprovalMatrix{entries: copied}
}

func DefaultApprovalMatrix() ApprovalMatrix {
	hardware := []rbac.Role{rbac.RoleFOPRTS, rbac.RoleRegionTeam, rbac.RoleRTH}
	software := []rbac.Role{rbac.RoleBO, rbac.RoleSME, rbac.RoleHeadNOC}
	return NewApprovalMatrix(map[string]MatrixEntry{
		"MW":             {Vendors: []string{"ZTE", "HTI"}, Approvers: hardware},
		"RAN":            {Vendors: []string{"ZTE", "HTI", "Huawei", "Ericsson"}, Approvers: software},
		"PLN Upgrade":    {Vendors: []string{"ZTE", "HTI"}, Approvers: hardware},
		"Dismantle Keep": {Vendors: []string{"ZTE", "HTI", "Huawei"}, Approvers: hardware},
		"Dismantle Drop": {Vendors: []string{"ZTE", "HTI", "Huawei"}, Approvers: hardware},
		"IPRAN":          {Vendors: []string{"ZTE", "Huawei"}},
		"IBS Lamp Site":  {Vendors: []string{"HTI", "Ericsson"}},
		"Mini CME":       {Vendors: []string{"HTI"}},
	})
}

func (m ApprovalMatrix) Lookup(scope string) (MatrixEntry, bool) {
	entry, ok := m.entries[normalizeScope(scope)]
	return entry, ok
}

func (m ApprovalMatrix) CanVendorUpload(vendor, scope string) bool {
	entry, ok := m.Lookup(scope)
	if !ok {
		return false
	}
	vendor = strings.TrimSpace(vendor)
	for _, allowed := range entry.Vendors {
		if strings.EqualFold(allowed, vendor) {
			return true
		}
	}
	return false
}

// CanRoleApprove reports whether role is the approver at the 1-based
// stageNumber of scope's workflow.
func (m ApprovalMatrix) CanRoleApprove(role rbac.Role, scope string, stageNumber int) bool {
	entry, ok := m.Lookup(scope)
	if !ok || stageNumber < 1 || stageNumber > len(entry.Approvers) {
		return false
	}
	return entry.Approvers[stageNumber-1] == role
}

func (m ApprovalMatrix) ResolveApprovalWorkflow(scope string) []ApprovalStep {
	entry, ok := m.Lookup(scope)
	if !ok {
		return []ApprovalStep{}
	}
	steps := make([]ApprovalStep, 0, len(entry.Approvers))
	for i, role := range entry.Approvers {
		steps = append(steps, ApprovalStep{StageNumber: i + 1, Role: role})
	}
	return steps
}

func (m ApprovalMatrix) Scopes() []string {
	scopes := make([]string, 0, len(m.entries))
	for scope := range m.entries {
		scopes = append(scopes, scope)
	}
	slices.Sort(scopes)
	return scopes
}

func normalizeScope(scope string) string {
	return strings.ToUpper(strings.Join(strings.Fields(scope), " "))
}
