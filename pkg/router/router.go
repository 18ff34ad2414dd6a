// Package router selects the next step of a run from its template's
// edges. Routing is a pure function of the template, the current node,
// the context snapshot, and the step visit counts: no clock, no
// randomness, no stored state, so a dry run and the real transition
// always agree.
package router

import (
	"fmt"
	"strings"

	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/services"
)

// Decision is the result of routing out of a node.
type Decision struct {
	// Edge is the edge that matched, nil at the end of the graph.
	Edge *models.Edge
	// Next is the target node, nil at the end of the graph.
	Next *models.StepNode
}

// Route picks the next step after fromID. Edges are evaluated in
// declaration order; the first matching predicate wins, the default
// edge matches last. Loop-bounded edges whose target has exhausted its
// visit budget are skipped. A node with no outgoing edges ends the
// graph; a node whose edges all fail without a default is a template
// defect reported as ErrNoRoute.
func Route(template *models.PlaybookTemplate, fromID string, context map[string]any, visits func(stepID string) int) (Decision, error) {
	edges := template.OutgoingEdges(fromID)
	if len(edges) == 0 {
		return Decision{}, nil
	}

	var fallback *models.Edge

	for _, edge := range edges {
		if edge.LoopBound > 0 && visits(edge.To) >= edge.LoopBound {
			continue
		}

		if edge.Default {
			if fallback == nil {
				fallback = edge
			}

			continue
		}

		if edge.Predicate == nil || Matches(edge.Predicate, context) {
			return Decision{Edge: edge, Next: template.Node(edge.To)}, nil
		}
	}

	if fallback != nil {
		return Decision{Edge: fallback, Next: template.Node(fallback.To)}, nil
	}

	return Decision{}, fmt.Errorf("node %s: %w", fromID, services.ErrNoRoute)
}

// Matches evaluates a predicate against a context snapshot. Missing
// fields never match except under the exists operator. Fields use dot
// notation to reach into nested maps.
func Matches(p *models.Predicate, context map[string]any) bool {
	value, found := lookup(context, p.Field)

	switch p.Op {
	case models.OpExists:
		return found
	case models.OpEquals:
		return found && equal(value, p.Value)
	case models.OpNotEquals:
		return found && !equal(value, p.Value)
	case models.OpGreater:
		cmp, ok := compare(value, p.Value)

		return found && ok && cmp > 0
	case models.OpLess:
		cmp, ok := compare(value, p.Value)

		return found && ok && cmp < 0
	default:
		return false
	}
}

func lookup(context map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	current := any(context)

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// equal compares with numeric normalization: JSON decoding yields
// float64 while literal configs may carry ints, and 3 must equal 3.0.
func equal(a, b any) bool {
	fa, aNum := AsFloat(a)
	fb, bNum := AsFloat(b)

	if aNum && bNum {
		return fa == fb
	}

	return a == b
}

// compare orders two values when both are numeric or both are strings.
func compare(a, b any) (int, bool) {
	fa, aNum := AsFloat(a)
	fb, bNum := AsFloat(b)

	if aNum && bNum {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	sa, aStr := a.(string)
	sb, bStr := b.(string)

	if aStr && bStr {
		return strings.Compare(sa, sb), true
	}

	return 0, false
}

// AsFloat normalizes context values to float64, so 3 and 3.0 order and
// compare the same whether they arrived via JSON or in-process code.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}

	return 0, false
}
