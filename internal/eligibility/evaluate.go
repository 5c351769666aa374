// Package eligibility decides whether a cart qualifies for an agent's calling
// rules. Evaluation is pure: no I/O, identical inputs always produce the same
// decision and trace.
package eligibility

import (
	"strconv"
	"strings"

	agentdomain "github.com/smallbiznis/cartcall/internal/agent/domain"
)

// Snapshot is the cart view the evaluator works on. Callers flatten line-item
// titles and discount codes before evaluation.
type Snapshot struct {
	TotalCents    int64
	Currency      string
	CustomerType  string
	ProductTitles []string
	DiscountCodes []string
}

// CartValue is the monetary total in major units, the unit agent rules are
// written against.
func (s Snapshot) CartValue() float64 {
	return float64(s.TotalCents) / 100
}

// ConditionResult records one evaluated condition and whether it matched.
type ConditionResult struct {
	Condition agentdomain.Condition
	Matched   bool
}

// Decision is the evaluation outcome. The trace is populated even when the
// cart is ineligible so callers can see which rule failed.
type Decision struct {
	Eligible bool
	Trace    []ConditionResult
}

type conditionFunc func(cond agentdomain.Condition, snap Snapshot) bool

// Each condition type resolves through this table; unknown types fail closed.
var conditionTable = map[agentdomain.ConditionType]conditionFunc{
	agentdomain.ConditionCartValue:    matchCartValue,
	agentdomain.ConditionCustomerType: matchCustomerType,
	agentdomain.ConditionProducts:     matchProducts,
	agentdomain.ConditionCouponCode:   matchCouponCode,
}

// Evaluate applies every enabled condition as a logical AND. An agent with no
// enabled conditions matches every cart; that open default is deliberate, not
// a short-circuit artifact.
func Evaluate(conditions []agentdomain.Condition, snap Snapshot) Decision {
	decision := Decision{Eligible: true, Trace: []ConditionResult{}}
	for _, cond := range conditions {
		if !cond.Enabled {
			continue
		}
		matched := false
		if fn, ok := conditionTable[cond.Type]; ok {
			matched = fn(cond, snap)
		}
		decision.Trace = append(decision.Trace, ConditionResult{Condition: cond, Matched: matched})
		if !matched {
			decision.Eligible = false
		}
	}
	return decision
}

func matchCartValue(cond agentdomain.Condition, snap Snapshot) bool {
	threshold, err := strconv.ParseFloat(strings.TrimSpace(cond.Value), 64)
	if err != nil {
		return false
	}
	return compareNumeric(cond.Operator, snap.CartValue(), threshold)
}

func matchCustomerType(cond agentdomain.Condition, snap Snapshot) bool {
	customerType := strings.TrimSpace(snap.CustomerType)
	if customerType == "" {
		return false
	}
	switch cond.Operator {
	case agentdomain.OperatorEQ:
		return strings.EqualFold(customerType, strings.TrimSpace(cond.Value))
	case agentdomain.OperatorIncludes:
		return containsFold(splitValues(cond.Value), customerType)
	default:
		return false
	}
}

func matchProducts(cond agentdomain.Condition, snap Snapshot) bool {
	if cond.Operator != agentdomain.OperatorIncludes {
		return false
	}
	wanted := splitValues(cond.Value)
	for _, title := range snap.ProductTitles {
		if containsFold(wanted, title) {
			return true
		}
	}
	return false
}

func matchCouponCode(cond agentdomain.Condition, snap Snapshot) bool {
	if cond.Operator != agentdomain.OperatorIncludes {
		return false
	}
	wanted := splitValues(cond.Value)
	for _, code := range snap.DiscountCodes {
		if containsFold(wanted, code) {
			return true
		}
	}
	return false
}

func compareNumeric(op agentdomain.Operator, actual, threshold float64) bool {
	switch op {
	case agentdomain.OperatorGTE:
		return actual >= threshold
	case agentdomain.OperatorLTE:
		return actual <= threshold
	case agentdomain.OperatorEQ:
		return actual == threshold
	default:
		return false
	}
}

// splitValues parses a rule value as a comma-separated list.
func splitValues(value string) []string {
	parts := strings.Split(value, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		values = append(values, part)
	}
	return values
}

func containsFold(values []string, needle string) bool {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return false
	}
	for _, value := range values {
		if strings.EqualFold(value, needle) {
			return true
		}
	}
	return false
}
