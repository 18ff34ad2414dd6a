// Package models defines the core domain models for playbook orchestration.
package models

import (
	"fmt"
	"time"
)

// TemplateStatus represents the lifecycle state of a playbook template.
type TemplateStatus string

const (
	TemplateStatusDraft      TemplateStatus = "draft"      // Editable, not usable for runs
	TemplateStatusPublished  TemplateStatus = "published"  // Immutable, usable for new runs
	TemplateStatusDeprecated TemplateStatus = "deprecated" // Historical, kept for in-flight runs
)

// StepKind discriminates the step node variants.
type StepKind string

const (
	StepKindAutomatic StepKind = "automatic" // Executed by a registered step handler
	StepKindApproval  StepKind = "approval"  // Parks the run until a human decision
	StepKindBranch    StepKind = "branch"    // Pure routing node, no side effects
)

// StepNode is a node in a template's step graph. Kind-specific fields
// are populated according to Kind; ValidateGraph enforces this.
type StepNode struct {
	ID     string   `json:"id"     validate:"required"`
	Name   string   `json:"name"   validate:"required,min=1"`
	Kind   StepKind `json:"kind"   validate:"required,oneof=automatic approval branch"`
	Config map[string]any `json:"config,omitempty"`

	// Automatic steps only: the registered handler type that executes this step.
	HandlerType string `json:"handler_type,omitempty"`

	// Approval steps only.
	ApproverRole string        `json:"approver_role,omitempty"`
	SLADuration  time.Duration `json:"sla_duration,omitempty"`
}

// PredicateOp is the comparison operator of a branch predicate.
type PredicateOp string

const (
	OpEquals    PredicateOp = "eq"
	OpNotEquals PredicateOp = "ne"
	OpGreater   PredicateOp = "gt"
	OpLess      PredicateOp = "lt"
	OpExists    PredicateOp = "exists"
)

// Predicate is a typed branch condition evaluated against a run's
// context snapshot. It is a pure function of (field, op, value) and the
// snapshot, with no clock or randomness, so dry-run and real routing
// always agree.
type Predicate struct {
	Field string      `json:"field" validate:"required"`
	Op    PredicateOp `json:"op"    validate:"required,oneof=eq ne gt lt exists"`
	Value any         `json:"value,omitempty"`
}

// Edge connects two step nodes. Edges are evaluated in declaration
// order; an edge with a nil Predicate and Default=false matches
// unconditionally. LoopBound > 0 marks an explicitly bounded back-edge,
// the only kind of cycle ValidateGraph accepts.
type Edge struct {
	ID        string     `json:"id"`
	From      string     `json:"from" validate:"required"`
	To        string     `json:"to"   validate:"required"`
	Predicate *Predicate `json:"predicate,omitempty"`
	Default   bool       `json:"default,omitempty"`
	LoopBound int        `json:"loop_bound,omitempty"`
}

// PlaybookTemplate is a versioned, validated definition of a multi-step
// automation graph. Only one published version per key is active for
// new runs at a time; published templates are immutable.
type PlaybookTemplate struct {
	ID            string         `json:"id"`
	Key           string         `json:"key"   validate:"required,lowercase"`
	Title         string         `json:"title" validate:"required,min=3"`
	TriggerSignal string         `json:"trigger_signal"`
	Nodes         []*StepNode    `json:"nodes"`
	Edges         []*Edge        `json:"edges"`
	Status        TemplateStatus `json:"status"`
	Version       int            `json:"version"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	PublishedAt   *time.Time     `json:"published_at,omitempty"`
	DeprecatedAt  *time.Time     `json:"deprecated_at,omitempty"`
}

// GraphError is a single structural defect found by ValidateGraph.
type GraphError struct {
	NodeID string `json:"node_id,omitempty"`
	EdgeID string `json:"edge_id,omitempty"`
	Detail string `json:"detail"`
}

func (e GraphError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Detail)
	case e.EdgeID != "":
		return fmt.Sprintf("edge %s: %s", e.EdgeID, e.Detail)
	default:
		return e.Detail
	}
}

// Node returns the step node with the given ID, or nil.
func (t *PlaybookTemplate) Node(id string) *StepNode {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// OutgoingEdges returns the edges leaving the given node in declaration order.
func (t *PlaybookTemplate) OutgoingEdges(nodeID string) []*Edge {
	edges := make([]*Edge, 0)

	for _, e := range t.Edges {
		if e.From == nodeID {
			edges = append(edges, e)
		}
	}

	return edges
}

// EntryNode returns the single node with no incoming edges. It assumes
// the graph has passed ValidateGraph.
func (t *PlaybookTemplate) EntryNode() *StepNode {
	incoming := make(map[string]bool)
	for _, e := range t.Edges {
		incoming[e.To] = true
	}

	for _, n := range t.Nodes {
		if !incoming[n.ID] {
			return n
		}
	}

	return nil
}

// ValidateGraph performs the full structural check of the step graph
// and returns every defect found, not just the first: edge endpoints
// must exist, exactly one entry node, no unreachable nodes, kind-specific
// config present, and no cycles except through loop-bounded edges.
func (t *PlaybookTemplate) ValidateGraph() []GraphError {
	errs := make([]GraphError, 0)

	if len(t.Nodes) == 0 {
		errs = append(errs, GraphError{Detail: "template has no nodes"})

		return errs
	}

	nodeIDs := make(map[string]*StepNode, len(t.Nodes))

	for _, n := range t.Nodes {
		if _, dup := nodeIDs[n.ID]; dup {
			errs = append(errs, GraphError{NodeID: n.ID, Detail: "duplicate node id"})
		}

		nodeIDs[n.ID] = n

		switch n.Kind {
		case StepKindAutomatic:
			if n.HandlerType == "" {
				errs = append(errs, GraphError{NodeID: n.ID, Detail: "automatic step requires a handler_type"})
			}
		case StepKindApproval:
			if n.SLADuration <= 0 {
				errs = append(errs, GraphError{NodeID: n.ID, Detail: "approval step requires a positive sla_duration"})
			}
		case StepKindBranch:
		default:
			errs = append(errs, GraphError{NodeID: n.ID, Detail: fmt.Sprintf("unknown step kind %q", n.Kind)})
		}
	}

	incoming := make(map[string]int)

	for _, e := range t.Edges {
		if _, ok := nodeIDs[e.From]; !ok {
			errs = append(errs, GraphError{EdgeID: e.ID, Detail: fmt.Sprintf("source node %s does not exist", e.From)})

			continue
		}

		if _, ok := nodeIDs[e.To]; !ok {
			errs = append(errs, GraphError{EdgeID: e.ID, Detail: fmt.Sprintf("target node %s does not exist", e.To)})

			continue
		}

		incoming[e.To]++
	}

	// Entry node: exactly one node without incoming edges.
	entries := make([]string, 0, 1)

	for _, n := range t.Nodes {
		if incoming[n.ID] == 0 {
			entries = append(entries, n.ID)
		}
	}

	switch {
	case len(entries) == 0:
		errs = append(errs, GraphError{Detail: "graph has no entry node"})
	case len(entries) > 1:
		errs = append(errs, GraphError{Detail: fmt.Sprintf("graph has %d entry nodes, want exactly one", len(entries))})
	}

	// Reachability from the entry node. Loop-bounded edges still count
	// for reachability, only cycle detection ignores them.
	if len(entries) == 1 {
		reachable := make(map[string]bool)
		stack := []string{entries[0]}

		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if reachable[id] {
				continue
			}

			reachable[id] = true

			for _, e := range t.OutgoingEdges(id) {
				stack = append(stack, e.To)
			}
		}

		for _, n := range t.Nodes {
			if !reachable[n.ID] {
				errs = append(errs, GraphError{NodeID: n.ID, Detail: "node is not reachable from the entry node"})
			}
		}
	}

	errs = append(errs, t.detectCycles(nodeIDs)...)

	return errs
}

// detectCycles reports cycles that are not closed through a
// loop-bounded edge. A back-edge with LoopBound > 0 is an explicitly
// declared bounded loop and is excluded from the walk.
func (t *PlaybookTemplate) detectCycles(nodeIDs map[string]*StepNode) []GraphError {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)

	state := make(map[string]int, len(nodeIDs))
	errs := make([]GraphError, 0)

	var visit func(id string) bool

	visit = func(id string) bool {
		state[id] = inStack

		for _, e := range t.OutgoingEdges(id) {
			if e.LoopBound > 0 {
				continue
			}

			if _, ok := nodeIDs[e.To]; !ok {
				continue
			}

			switch state[e.To] {
			case inStack:
				errs = append(errs, GraphError{EdgeID: e.ID, Detail: fmt.Sprintf("cycle through node %s is not marked as a bounded loop", e.To)})

				return true
			case unvisited:
				if visit(e.To) {
					return true
				}
			}
		}

		state[id] = done

		return false
	}

	for id := range nodeIDs {
		if state[id] == unvisited {
			visit(id)
		}
	}

	return errs
}
