package graph

import "time"

// GoalStatus tracks the lifecycle of a goal.
type GoalStatus string

const (
	GoalDraft     GoalStatus = "draft"
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
)

// ConstraintType distinguishes constraints that must hold from those the
// agent should merely prefer.
type ConstraintType string

const (
	ConstraintHard ConstraintType = "hard"
	ConstraintSoft ConstraintType = "soft"
)

// Criterion is one measurable condition of goal success. Order matters:
// criteria are evaluated and reported in declaration order.
type Criterion struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Metric      string  `json:"metric"`
	Target      string  `json:"target"`
	Weight      float64 `json:"weight"`
	Met         bool    `json:"met"`
}

// Constraint is a boundary the agent must (hard) or should (soft) respect
// while pursuing a goal.
type Constraint struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Type        ConstraintType `json:"type"`
	Category    string         `json:"category"`
}

// Goal is the declarative target of a run. Goals are value objects:
// mutating methods return a new version rather than editing in place, so
// a goal handed to a running executor can never change underneath it.
type Goal struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	SuccessCriteria []Criterion  `json:"success_criteria,omitempty"`
	Constraints     []Constraint `json:"constraints,omitempty"`
	Status          GoalStatus   `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// NewGoal creates a draft goal stamped with the current time.
func NewGoal(id, name, description string) Goal {
	now := time.Now().UTC()
	return Goal{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      GoalDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks structural invariants: a non-empty ID, known status and
// constraint types, and unique criterion/constraint IDs.
func (g Goal) Validate() error {
	if g.ID == "" {
		return NewError(KindInvalidSpec, "goal id must not be empty")
	}
	switch g.Status {
	case GoalDraft, GoalActive, GoalCompleted, GoalFailed:
	default:
		return NewError(KindInvalidSpec, "goal %s: unknown status %q", g.ID, g.Status)
	}
	seen := make(map[string]bool, len(g.SuccessCriteria))
	for _, c := range g.SuccessCriteria {
		if c.ID == "" {
			return NewError(KindInvalidSpec, "goal %s: criterion with empty id", g.ID)
		}
		if seen[c.ID] {
			return NewError(KindInvalidSpec, "goal %s: duplicate criterion id %q", g.ID, c.ID)
		}
		seen[c.ID] = true
	}
	seen = make(map[string]bool, len(g.Constraints))
	for _, c := range g.Constraints {
		if c.ID == "" {
			return NewError(KindInvalidSpec, "goal %s: constraint with empty id", g.ID)
		}
		if seen[c.ID] {
			return NewError(KindInvalidSpec, "goal %s: duplicate constraint id %q", g.ID, c.ID)
		}
		if c.Type != ConstraintHard && c.Type != ConstraintSoft {
			return NewError(KindInvalidSpec, "goal %s: constraint %s has unknown type %q", g.ID, c.ID, c.Type)
		}
		seen[c.ID] = true
	}
	return nil
}

// WithStatus returns a copy of the goal in the given status with a fresh
// UpdatedAt. CreatedAt is preserved.
func (g Goal) WithStatus(status GoalStatus) Goal {
	out := g.clone()
	out.Status = status
	out.UpdatedAt = time.Now().UTC()
	return out
}

// WithCriterionMet returns a copy with the named criterion marked met (or
// unmet). Unknown IDs return the receiver unchanged.
func (g Goal) WithCriterionMet(criterionID string, met bool) Goal {
	out := g.clone()
	changed := false
	for i := range out.SuccessCriteria {
		if out.SuccessCriteria[i].ID == criterionID {
			out.SuccessCriteria[i].Met = met
			changed = true
		}
	}
	if changed {
		out.UpdatedAt = time.Now().UTC()
	}
	return out
}

// Progress returns the weight-adjusted fraction of met criteria in [0, 1].
// A goal with no criteria reports 0.
func (g Goal) Progress() float64 {
	var total, met float64
	for _, c := range g.SuccessCriteria {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		if c.Met {
			met += w
		}
	}
	if total == 0 {
		return 0
	}
	return met / total
}

// HardConstraints returns the subset of constraints with type hard, in
// declaration order.
func (g Goal) HardConstraints() []Constraint {
	var out []Constraint
	for _, c := range g.Constraints {
		if c.Type == ConstraintHard {
			out = append(out, c)
		}
	}
	return out
}

func (g Goal) clone() Goal {
	out := g
	out.SuccessCriteria = make([]Criterion, len(g.SuccessCriteria))
	copy(out.SuccessCriteria, g.SuccessCriteria)
	out.Constraints = make([]Constraint, len(g.Constraints))
	copy(out.Constraints, g.Constraints)
	return out
}
