// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

import (
	"fmt"
)

type edgeKey struct {
	node    string
	outcome string
}

// Recipe is a validated pipeline graph: nodes plus edges keyed by
// (node, outcome label). Recipes are built once at startup, validated,
// and never mutated during runs.
type Recipe struct {
	ID    string
	Entry string

	nodes map[string]Node
	order []string
	edges map[edgeKey]string
}

// NewRecipe creates an empty recipe whose execution starts at entry.
func NewRecipe(id, entry string) *Recipe {
	return &Recipe{
		ID:    id,
		Entry: entry,
		nodes: make(map[string]Node),
		edges: make(map[edgeKey]string),
	}
}

// Add registers a node. Node IDs must be unique within the recipe.
func (r *Recipe) Add(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("recipe %s: node ID must not be empty", r.ID)
	}
	if _, exists := r.nodes[n.ID]; exists {
		return fmt.Errorf("recipe %s: duplicate node %s", r.ID, n.ID)
	}
	if n.Gate != nil {
		normalized := n.Gate.normalized()
		n.Gate = &normalized
	}
	if n.Review != nil {
		normalized := n.Review.normalized()
		n.Review = &normalized
	}
	r.nodes[n.ID] = n
	r.order = append(r.order, n.ID)
	return nil
}

// Connect declares that outcome at node from routes to node to. Both
// endpoints must already be added, and each (node, outcome) pair may
// route to only one destination.
func (r *Recipe) Connect(from, outcome, to string) error {
	if _, ok := r.nodes[from]; !ok {
		return fmt.Errorf("recipe %s: connect from unknown node %s", r.ID, from)
	}
	if _, ok := r.nodes[to]; !ok {
		return fmt.Errorf("recipe %s: connect to unknown node %s", r.ID, to)
	}
	if outcome == "" {
		return fmt.Errorf("recipe %s: edge from %s needs an outcome label", r.ID, from)
	}
	key := edgeKey{node: from, outcome: outcome}
	if _, exists := r.edges[key]; exists {
		return fmt.Errorf("recipe %s: duplicate edge (%s, %s)", r.ID, from, outcome)
	}
	r.edges[key] = to
	return nil
}

// Node returns the node with the given ID.
func (r *Recipe) Node(id string) (Node, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// Next returns the destination of the (node, outcome) edge.
func (r *Recipe) Next(node, outcome string) (string, bool) {
	to, ok := r.edges[edgeKey{node: node, outcome: outcome}]
	return to, ok
}

// Nodes returns all nodes in insertion order.
func (r *Recipe) Nodes() []Node {
	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

// Terminal returns the recipe's terminal node ID. Valid recipes have
// exactly one.
func (r *Recipe) Terminal() (string, bool) {
	for _, id := range r.order {
		if r.nodes[id].Kind == KindTerminal {
			return id, true
		}
	}
	return "", false
}

// revisionTarget resolves where a revise decision at node routes. For
// gates it defaults to the declared retry target.
func (r *Recipe) revisionTarget(n Node) string {
	switch n.Kind {
	case KindGate:
		if n.Gate.RevisionTarget != "" {
			return n.Gate.RevisionTarget
		}
		if to, ok := r.Next(n.ID, n.Gate.RetryLabel); ok {
			return to
		}
	case KindHumanReview:
		return n.Review.RevisionTarget
	}
	return ""
}

// Validate checks the recipe's structure. It must pass before the
// recipe is registered with an engine:
//
//   - the entry node exists
//   - exactly one terminal node exists, with no outgoing edges
//   - every declared outcome label of every node has an edge, and no
//     edge uses a label its node does not declare
//   - parallel group members are agent-bound stages with disjoint,
//     non-empty output key sets and recipe-unique IDs
//   - every node is reachable from the entry, and the terminal is
//     reachable from every node
//
// Validation failures surface as *InvalidTransitionError naming the
// offending node.
func (r *Recipe) Validate() error {
	if len(r.nodes) == 0 {
		return &InvalidTransitionError{Node: r.Entry, Message: fmt.Sprintf("recipe %s has no nodes", r.ID)}
	}
	if _, ok := r.nodes[r.Entry]; !ok {
		return &InvalidTransitionError{Node: r.Entry, Message: fmt.Sprintf("recipe %s entry node does not exist", r.ID)}
	}

	var terminals []string
	for _, id := range r.order {
		if r.nodes[id].Kind == KindTerminal {
			terminals = append(terminals, id)
		}
	}
	if len(terminals) != 1 {
		return &InvalidTransitionError{Node: r.Entry, Message: fmt.Sprintf("recipe %s must have exactly one terminal node, found %d", r.ID, len(terminals))}
	}
	terminal := terminals[0]

	for _, id := range r.order {
		if err := r.validateNode(r.nodes[id]); err != nil {
			return err
		}
	}

	for key := range r.edges {
		if !r.labelDeclared(r.nodes[key.node], key.outcome) {
			return &InvalidTransitionError{Node: key.node, Outcome: key.outcome, Message: "edge uses an undeclared outcome label"}
		}
	}

	if err := r.checkReachability(terminal); err != nil {
		return err
	}
	return nil
}

func (r *Recipe) validateNode(n Node) error {
	switch n.Kind {
	case KindStage:
		if n.Agent == "" {
			return &InvalidTransitionError{Node: n.ID, Message: "stage has no agent binding"}
		}
		return r.requireEdges(n.ID, "done")

	case KindParallel:
		if len(n.Members) == 0 {
			return &InvalidTransitionError{Node: n.ID, Message: "parallel group has no members"}
		}
		seen := make(map[string]string)
		for _, member := range n.Members {
			if member.Kind != KindStage || member.Agent == "" {
				return &InvalidTransitionError{Node: n.ID, Message: fmt.Sprintf("member %s must be an agent-bound stage", member.ID)}
			}
			if member.ID == "" {
				return &InvalidTransitionError{Node: n.ID, Message: "member ID must not be empty"}
			}
			if _, clash := r.nodes[member.ID]; clash {
				return &InvalidTransitionError{Node: n.ID, Message: fmt.Sprintf("member %s collides with a recipe node", member.ID)}
			}
			if len(member.Produces) == 0 {
				return &InvalidTransitionError{Node: n.ID, Message: fmt.Sprintf("member %s declares no output keys", member.ID)}
			}
			for _, key := range member.Produces {
				if owner, dup := seen[key]; dup {
					return &InvalidTransitionError{Node: n.ID, Message: fmt.Sprintf("members %s and %s both produce key %q", owner, member.ID, key)}
				}
				seen[key] = member.ID
			}
		}
		memberIDs := make(map[string]bool, len(n.Members))
		for _, member := range n.Members {
			if memberIDs[member.ID] {
				return &InvalidTransitionError{Node: n.ID, Message: fmt.Sprintf("duplicate member %s", member.ID)}
			}
			memberIDs[member.ID] = true
		}
		return r.requireEdges(n.ID, "done")

	case KindGate:
		if n.Gate == nil || n.Gate.Evaluator == "" {
			return &InvalidTransitionError{Node: n.ID, Message: "gate has no evaluator binding"}
		}
		if err := r.requireEdges(n.ID, n.Gate.ContinueLabel, n.Gate.RetryLabel, n.Gate.EscalateLabel); err != nil {
			return err
		}
		if n.Gate.RevisionTarget != "" {
			if _, ok := r.nodes[n.Gate.RevisionTarget]; !ok {
				return &InvalidTransitionError{Node: n.ID, Message: fmt.Sprintf("revision target %s does not exist", n.Gate.RevisionTarget)}
			}
		}
		return nil

	case KindHumanReview:
		if n.Review == nil {
			return &InvalidTransitionError{Node: n.ID, Message: "human review node has no review spec"}
		}
		if err := r.requireEdges(n.ID, n.Review.ApproveLabel); err != nil {
			return err
		}
		if n.Review.RevisionTarget != "" {
			if _, ok := r.nodes[n.Review.RevisionTarget]; !ok {
				return &InvalidTransitionError{Node: n.ID, Message: fmt.Sprintf("revision target %s does not exist", n.Review.RevisionTarget)}
			}
		}
		return nil

	case KindTerminal:
		for key := range r.edges {
			if key.node == n.ID {
				return &InvalidTransitionError{Node: n.ID, Outcome: key.outcome, Message: "terminal node must not have outgoing edges"}
			}
		}
		return nil

	default:
		return &InvalidTransitionError{Node: n.ID, Message: fmt.Sprintf("unknown node kind %q", n.Kind)}
	}
}

func (r *Recipe) requireEdges(node string, outcomes ...string) error {
	for _, outcome := range outcomes {
		if _, ok := r.edges[edgeKey{node: node, outcome: outcome}]; !ok {
			return &InvalidTransitionError{Node: node, Outcome: outcome, Message: "declared outcome label has no edge"}
		}
	}
	return nil
}

// labelDeclared reports whether outcome belongs to n's declared label
// set.
func (r *Recipe) labelDeclared(n Node, outcome string) bool {
	switch n.Kind {
	case KindStage, KindParallel:
		return outcome == "done"
	case KindGate:
		return outcome == n.Gate.ContinueLabel || outcome == n.Gate.RetryLabel || outcome == n.Gate.EscalateLabel
	case KindHumanReview:
		return outcome == n.Review.ApproveLabel || outcome == n.Review.RejectLabel
	default:
		return false
	}
}

func (r *Recipe) checkReachability(terminal string) error {
	// Forward pass from the entry.
	forward := map[string]bool{r.Entry: true}
	queue := []string{r.Entry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for key, to := range r.edges {
			if key.node == current && !forward[to] {
				forward[to] = true
				queue = append(queue, to)
			}
		}
	}
	for _, id := range r.order {
		if !forward[id] {
			return &InvalidTransitionError{Node: id, Message: "node is unreachable from the entry"}
		}
	}

	// Reverse pass from the terminal.
	backward := map[string]bool{terminal: true}
	queue = []string{terminal}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for key, to := range r.edges {
			if to == current && !backward[key.node] {
				backward[key.node] = true
				queue = append(queue, key.node)
			}
		}
	}
	for _, id := range r.order {
		if !backward[id] {
			return &InvalidTransitionError{Node: id, Message: "terminal node is unreachable from this node"}
		}
	}
	return nil
}
