package workflow

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/aribuy/apms-sub002/internal/rbac"
)

type StageDefinition struct {
	Code     string    `json:"stageCode"`
	Name     string    `json:"stageName"`
	Role     rbac.Role `json:"requiredRole"`
	SLAHours int       `json:"slaHours"`
}

// Catalog holds the ordered stage sequence per document type. It is built
// once and never mutated, so it can be shared across goroutines.
type Catalog struct {
	sequences map[Category][]StageDefinition
	fallback  Category
	logger    *slog.Logger
}

type stageRow struct {
	code string
	name string
	role rbac.Role
}

var defaultSequences = map[Category][]stageRow{
	CategorySoftware: {
		{code: "STAGE_1_SW", name: "BO Review", role: rbac.RoleBO},
		{code: "STAGE_2_SW", name: "SME Technical Review", role: rbac.RoleSME},
		{code: "STAGE_3_SW", name: "Head NOC Final Review", role: rbac.RoleHeadNOC},
	},
	CategoryHardware: {
		{code: "STAGE_1_HW", name: "FOP/RTS Field Review", role: rbac.RoleFOPRTS},
		{code: "STAGE_2_HW", name: "Region Team Review", role: rbac.RoleRegionTeam},
		{code: "STAGE_3_HW", name: "RTH Final Approval", role: rbac.RoleRTH},
	},
	CategoryCombined: {
		{code: "STAGE_1_COMB", name: "BO Review", role: rbac.RoleBO},
		{code: "STAGE_2_COMB", name: "FOP/RTS Field Review", role: rbac.RoleFOPRTS},
		{code: "STAGE_3_COMB", name: "SME Technical Review", role: rbac.RoleSME},
		{code: "STAGE_4_COMB", name: "Region Team Review", role: rbac.RoleRegionTeam},
		{code: "STAGE_5_COMB", name: "Head NOC Final Review", role: rbac.RoleHeadNOC},
	},
}

// DefaultCatalog returns the SOFTWARE, HARDWARE and COMBINED sequences with
// SLA hours taken from the default policy. Unknown types fall back to
// COMBINED.
func DefaultCatalog() *Catalog {
	sla := DefaultSLAPolicy()
	sequences := make(map[Category][]StageDefinition, len(defaultSequences))
	for category, rows := range defaultSequences {
		defs := make([]StageDefinition, 0, len(rows))
		for _, row := range rows {
			defs = append(defs, StageDefinition{
				Code:     row.code,
				Name:     row.name,
				Role:     row.role,
				SLAHours: sla.StageSLAHours(row.role),
			})
		}
		sequences[category] = defs
	}
	catalog, err := NewCatalog(sequences, CategoryCombined)
	if err != nil {
		panic(err)
	}
	return catalog
}

func NewCatalog(sequences map[Category][]StageDefinition, fallback Category) (*Catalog, error) {
	if _, ok := sequences[fallback]; !ok {
		return nil, fmt.Errorf("fallback type %s has no stage sequence", fallback)
	}
	copied := make(map[Category][]StageDefinition, len(sequences))
	for category, defs := range sequences {
		if len(defs) == 0 {
			return nil, fmt.Errorf("stage sequence for %s is empty", category)
		}
		seen := make(map[string]struct{}, len(defs))
		for _, def := range defs {
			if def.Code == "" {
				return nil, fmt.Errorf("stage sequence for %s has a stage without code", category)
			}
			if !def.Role.Valid() {
				return nil, fmt.Errorf("stage %s has unknown role %q", def.Code, def.Role)
			}
			if _, dup := seen[def.Code]; dup {
				return nil, fmt.Errorf("stage code %s repeated in %s", def.Code, category)
			}
			seen[def.Code] = struct{}{}
		}
		copied[category] = append([]StageDefinition(nil), defs...)
	}
	return &Catalog{sequences: copied, fallback: fallback}, nil
}

// WithLogger returns a copy of the catalog that reports fallbacks to logger.
func (c *Catalog) WithLogger(logger *slog.Logger) *Catalog {
	clone := *c
	clone.logger = logger
	return &clone
}

// Resolve returns the document type the sequence was actually taken from
// together with a copy of the sequence. Types without a sequence of their
// own resolve to the fallback type.
func (c *Catalog) Resolve(documentType Category) (Category, []StageDefinition) {
	defs, ok := c.sequences[documentType]
	resolved := documentType
	if !ok {
		resolved = c.fallback
		defs = c.sequences[c.fallback]
		logger := c.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("no stage sequence for document type, using fallback",
			"documentType", documentType,
			"fallback", c.fallback)
	}
	return resolved, append([]StageDefinition(nil), defs...)
}

func (c *Catalog) ResolveStages(documentType Category) []StageDefinition {
	_, defs := c.Resolve(documentType)
	return defs
}

// NextStage returns the stage that follows code in the sequence for
// documentType, or false when code is the last stage or not in the sequence.
func (c *Catalog) NextStage(code string, documentType Category) (StageDefinition, bool) {
	defs := c.sequenceFor(documentType)
	for i, def := range defs {
		if def.Code == code {
			if i+1 < len(defs) {
				return defs[i+1], true
			}
			return StageDefinition{}, false
		}
	}
	return StageDefinition{}, false
}

func (c *Catalog) PreviousStage(code string, documentType Category) (StageDefinition, bool) {
	defs := c.sequenceFor(documentType)
	for i, def := range defs {
		if def.Code == code {
			if i > 0 {
				return defs[i-1], true
			}
			return StageDefinition{}, false
		}
	}
	return StageDefinition{}, false
}

func (c *Catalog) Types() []Category {
	types := make([]Category, 0, len(c.sequences))
	for _, category := range []Category{CategorySoftware, CategoryHardware, CategoryCombined} {
		if _, ok := c.sequences[category]; ok {
			types = append(types, category)
		}
	}
	var extra []Category
	for category := range c.sequences {
		switch category {
		case CategorySoftware, CategoryHardware, CategoryCombined:
		default:
			extra = append(extra, category)
		}
	}
	slices.Sort(extra)
	return append(types, extra...)
}

func (c *Catalog) Fallback() Category {
	return c.fallback
}

// sequenceFor resolves without logging; lookups on an already resolved type
// are not a fallback event.
func (c *Catalog) sequenceFor(documentType Category) []StageDefinition {
	if defs, ok := c.sequences[documentType]; ok {
		return defs
	}
	return c.sequences[c.fallback]
}
