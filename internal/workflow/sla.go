package workflow

import (
	"time"

	"github.com/aribuy/apms-sub002/internal/rbac"
)

// DefaultSLAHours applies to roles missing from the policy table.
const DefaultSLAHours = 48

// SLAPolicy maps reviewer roles to the wall-clock hours they have to act on
// a stage. There is no business-day or holiday calendar.
type SLAPolicy struct {
	hours        map[rbac.Role]int
	defaultHours int
}

func NewSLAPolicy(hours map[rbac.Role]int, defaultHours int) SLAPolicy {
	table := make(map[rbac.Role]int, len(hours))
	for role, h := range hours {
		table[role] = h
	}
	if defaultHours <= 0 {
		defaultHours = DefaultSLAHours
	}
	return SLAPolicy{hours: table, defaultHours: defaultHours}
}

func DefaultSLAPolicy() SLAPolicy {
	return NewSLAPolicy(map[rbac.Role]int{
		rbac.RoleBO:         48,
		rbac.RoleSME:        48,
		rbac.RoleHeadNOC:    24,
		rbac.RoleFOPRTS:     48,
		rbac.RoleRegionTeam: 48,
		rbac.RoleRTH:        24,
	}, DefaultSLAHours)
}

func (p SLAPolicy) StageSLAHours(role rbac.Role) int {
	if h, ok := p.hours[role]; ok {
		return h
	}
	if p.defaultHours <= 0 {
		return DefaultSLAHours
	}
	return p.defaultHours
}

func (p SLAPolicy) ComputeDeadline(role rbac.Role, submittedAt time.Time) time.Time {
	return submittedAt.Add(time.Duration(p.StageSLAHours(role)) * time.Hour)
}

// Breached reports whether deadline has passed at now. Breaches are only
// reported; nothing advances or escalates a stage on its own.
func Breached(deadline, now time.Time) bool {
	return now.After(deadline)
}

// Remaining is negative once the deadline has passed.
func Remaining(deadline, now time.Time) time.Duration {
	return deadline.Sub(now)
}
