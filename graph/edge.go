package graph

// EdgeCondition selects how an edge's guard is evaluated after its source
// node exits.
type EdgeCondition string

const (
	// EdgeAlways is eligible regardless of the node outcome.
	EdgeAlways EdgeCondition = "always"

	// EdgeOnSuccess is eligible iff the source node's last outcome was
	// success.
	EdgeOnSuccess EdgeCondition = "on_success"

	// EdgeOnFailure is eligible iff the source node's last outcome was
	// failure.
	EdgeOnFailure EdgeCondition = "on_failure"

	// EdgeConditional is eligible iff ConditionExpr evaluates truthy
	// against shared memory in the restricted evaluator.
	EdgeConditional EdgeCondition = "conditional"
)

// Edge is a guarded transition between two nodes. Eligible edges compete
// by descending Priority, ties broken by declaration order. A negative
// Priority marks a back-edge: the executor prefers a non-looping
// alternative when the back-edge's target has exhausted its visit bound.
type Edge struct {
	From          string        `json:"from"`
	To            string        `json:"to"`
	Condition     EdgeCondition `json:"condition"`
	ConditionExpr string        `json:"condition_expr,omitempty"`
	Priority      int           `json:"priority,omitempty"`

	// Parallel marks the edge as a fan-out branch. When every eligible
	// edge in the winning priority tier is Parallel, the executor runs
	// all targets concurrently and joins them before continuing.
	Parallel bool `json:"parallel,omitempty"`
}

// Validate checks the edge in isolation.
func (e Edge) Validate() error {
	if e.From == "" || e.To == "" {
		return NewError(KindInvalidSpec, "edge %s->%s: endpoints must not be empty", e.From, e.To)
	}
	switch e.Condition {
	case EdgeAlways, EdgeOnSuccess, EdgeOnFailure:
		if e.ConditionExpr != "" {
			return NewError(KindInvalidSpec, "edge %s->%s: condition_expr only valid with condition=conditional", e.From, e.To)
		}
	case EdgeConditional:
		if e.ConditionExpr == "" {
			return NewError(KindInvalidSpec, "edge %s->%s: condition=conditional requires condition_expr", e.From, e.To)
		}
		if _, err := ParseExpr(e.ConditionExpr); err != nil {
			return WrapError(KindInvalidSpec, err, "edge %s->%s: invalid condition_expr", e.From, e.To)
		}
	default:
		return NewError(KindInvalidSpec, "edge %s->%s: unknown condition %q", e.From, e.To, e.Condition)
	}
	return nil
}

// eligible evaluates the edge guard against the node outcome and memory.
// For conditional edges it returns the observed expression value so the
// trace can record what the evaluator saw.
func (e Edge) eligible(succeeded bool, mem *Memory) (ok bool, observed interface{}, err error) {
	switch e.Condition {
	case EdgeAlways:
		return true, nil, nil
	case EdgeOnSuccess:
		return succeeded, nil, nil
	case EdgeOnFailure:
		return !succeeded, nil, nil
	case EdgeConditional:
		expr, perr := ParseExpr(e.ConditionExpr)
		if perr != nil {
			return false, nil, perr
		}
		v := expr.Eval(mem)
		return truthy(v), v, nil
	default:
		return false, nil, NewError(KindInvalidSpec, "edge %s->%s: unknown condition %q", e.From, e.To, e.Condition)
	}
}
