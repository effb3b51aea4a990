// Package graph validates workflow definitions and answers the static
// questions the engine asks during execution: adjacency, join pairing,
// task dependencies, reachability.
package graph

import (
	"fmt"
	"time"

	"signline/internal/domain"
	"signline/internal/expr"
)

type Graph struct {
	Def      domain.WorkflowDefinition
	nodes    map[string]domain.Node
	outgoing map[string][]domain.Edge
	incoming map[string][]domain.Edge
	start    domain.Node
	ends     []string
	// joinSplit maps a join node to its paired split.
	joinSplit map[string]string
	splitJoin map[string]string
	backEdges map[edgeKey]bool
	deps      map[string][]string
}

type edgeKey struct {
	src, dst string
}

var validKinds = map[string]bool{
	domain.NodeStart:            true,
	domain.NodeEnd:              true,
	domain.NodeSignature:        true,
	domain.NodeApproval:         true,
	domain.NodeNotification:     true,
	domain.NodeCondition:        true,
	domain.NodeParallelSplit:    true,
	domain.NodeParallelJoin:     true,
	domain.NodeExclusiveGateway: true,
	domain.NodeInclusiveGateway: true,
	domain.NodeTimer:            true,
	domain.NodeServiceTask:      true,
	domain.NodeScript:           true,
}

// IsTaskNode reports whether a node kind materializes a task.
func IsTaskNode(kind string) bool {
	switch kind {
	case domain.NodeSignature, domain.NodeApproval, domain.NodeTimer, domain.NodeServiceTask:
		return true
	}
	return false
}

// TaskKindFor maps a node to the kind of task it materializes.
func TaskKindFor(n domain.Node) string {
	switch n.Kind {
	case domain.NodeSignature:
		if n.Config.TaskKind != "" {
			return n.Config.TaskKind
		}
		return domain.TaskKindSignature
	case domain.NodeApproval:
		if n.Config.TaskKind != "" {
			return n.Config.TaskKind
		}
		return domain.TaskKindApproval
	case domain.NodeTimer:
		return domain.TaskKindTimer
	case domain.NodeServiceTask:
		return domain.TaskKindServiceCall
	}
	return ""
}

// Build indexes and validates a definition. Every violation is reported
// as a VALIDATION error.
func Build(def domain.WorkflowDefinition) (*Graph, error) {
	g := &Graph{
		Def:       def,
		nodes:     map[string]domain.Node{},
		outgoing:  map[string][]domain.Edge{},
		incoming:  map[string][]domain.Edge{},
		joinSplit: map[string]string{},
		splitJoin: map[string]string{},
		backEdges: map[edgeKey]bool{},
		deps:      map[string][]string{},
	}
	if err := g.index(); err != nil {
		return nil, err
	}
	if err := g.checkShape(); err != nil {
		return nil, err
	}
	if err := g.checkCycles(); err != nil {
		return nil, err
	}
	if err := g.checkReachability(); err != nil {
		return nil, err
	}
	if err := g.pairJoins(); err != nil {
		return nil, err
	}
	if err := g.checkConfigs(); err != nil {
		return nil, err
	}
	if err := g.checkGuards(); err != nil {
		return nil, err
	}
	g.computeDependencies()
	return g, nil
}

func (g *Graph) index() error {
	if len(g.Def.Nodes) == 0 {
		return domain.E(domain.KindValidation, "definition has no nodes")
	}
	var startCount, endCount int
	for _, n := range g.Def.Nodes {
		if n.ID == "" {
			return domain.E(domain.KindValidation, "node with empty id")
		}
		if !validKinds[n.Kind] {
			return domain.E(domain.KindValidation, "node %s has unknown kind %q", n.ID, n.Kind)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return domain.E(domain.KindValidation, "duplicate node id %s", n.ID)
		}
		g.nodes[n.ID] = n
		switch n.Kind {
		case domain.NodeStart:
			startCount++
			g.start = n
		case domain.NodeEnd:
			endCount++
			g.ends = append(g.ends, n.ID)
		}
	}
	if startCount != 1 {
		return domain.E(domain.KindValidation, "definition must have exactly one start node, found %d", startCount)
	}
	if endCount == 0 {
		return domain.E(domain.KindValidation, "definition must have at least one end node")
	}
	for _, e := range g.Def.Edges {
		if _, ok := g.nodes[e.SourceID]; !ok {
			return domain.E(domain.KindValidation, "edge references unknown source %s", e.SourceID)
		}
		if _, ok := g.nodes[e.TargetID]; !ok {
			return domain.E(domain.KindValidation, "edge references unknown target %s", e.TargetID)
		}
		if e.SourceID == e.TargetID {
			return domain.E(domain.KindValidation, "node %s has a self edge", e.SourceID)
		}
		g.outgoing[e.SourceID] = append(g.outgoing[e.SourceID], e)
		g.incoming[e.TargetID] = append(g.incoming[e.TargetID], e)
	}
	seen := map[string]bool{}
	for _, v := range g.Def.Variables {
		if v.Name == "" {
			return domain.E(domain.KindValidation, "variable with empty name")
		}
		if seen[v.Name] {
			return domain.E(domain.KindValidation, "duplicate variable %s", v.Name)
		}
		seen[v.Name] = true
		switch v.Type {
		case "string", "int", "double", "bool":
		default:
			return domain.E(domain.KindValidation, "variable %s has unsupported type %q", v.Name, v.Type)
		}
	}
	for field, raw := range map[string]string{
		"settings.max_duration":      g.Def.Settings.MaxDuration,
		"settings.escalation_delay":  g.Def.Settings.EscalationDelay,
		"settings.reminder_interval": g.Def.Settings.ReminderInterval,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return domain.E(domain.KindValidation, "%s: %v", field, err)
		}
	}
	return nil
}

func (g *Graph) checkShape() error {
	for id, n := range g.nodes {
		out := g.outgoing[id]
		in := g.incoming[id]
		switch n.Kind {
		case domain.NodeEnd:
			if len(out) != 0 {
				return domain.E(domain.KindValidation, "end node %s must have no outgoing edges", id)
			}
		case domain.NodeStart:
			if len(in) != 0 {
				return domain.E(domain.KindValidation, "start node %s must have no incoming edges", id)
			}
			if len(out) == 0 {
				return domain.E(domain.KindValidation, "start node %s has no outgoing edge", id)
			}
		case domain.NodeParallelSplit:
			if len(out) < 2 {
				return domain.E(domain.KindValidation, "parallel_split %s needs at least two outgoing edges", id)
			}
			if max := g.Def.Settings.MaxParallelTasks; max > 0 && len(out) > max {
				return domain.E(domain.KindValidation, "parallel_split %s opens %d branches, settings allow %d", id, len(out), max)
			}
			for _, e := range out {
				if e.Guard != "" {
					return domain.E(domain.KindValidation, "parallel_split %s edges must not carry guards", id)
				}
			}
		case domain.NodeExclusiveGateway, domain.NodeCondition:
			if len(out) == 0 {
				return domain.E(domain.KindValidation, "node %s has no outgoing edge", id)
			}
			for i, e := range out {
				if e.Guard == "" && i != len(out)-1 {
					return domain.E(domain.KindValidation, "%s %s: unguarded default edge must be declared last", n.Kind, id)
				}
			}
		default:
			if len(out) == 0 {
				return domain.E(domain.KindValidation, "node %s has no outgoing edge", id)
			}
		}
	}
	return nil
}

// checkCycles allows loop-backs only when the back edge leaves an
// exclusive gateway.
func (g *Graph) checkCycles() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, e := range g.outgoing[id] {
			switch color[e.TargetID] {
			case grey:
				if g.nodes[id].Kind != domain.NodeExclusiveGateway {
					return domain.E(domain.KindValidation, "cycle through %s -> %s not behind an exclusive gateway", id, e.TargetID)
				}
				g.backEdges[edgeKey{id, e.TargetID}] = true
			case white:
				if err := visit(e.TargetID); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	return visit(g.start.ID)
}

func (g *Graph) checkReachability() error {
	reached := map[string]bool{g.start.ID: true}
	queue := []string{g.start.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[id] {
			if !reached[e.TargetID] {
				reached[e.TargetID] = true
				queue = append(queue, e.TargetID)
			}
		}
	}
	for id := range g.nodes {
		if !reached[id] {
			return domain.E(domain.KindValidation, "node %s is unreachable from start", id)
		}
	}
	return nil
}

func (g *Graph) isJoin(id string) bool {
	n := g.nodes[id]
	if n.Kind == domain.NodeParallelJoin {
		return true
	}
	return n.Kind == domain.NodeInclusiveGateway && len(g.incoming[id]) > 1
}

func (g *Graph) isSplit(id string) bool {
	n := g.nodes[id]
	if n.Kind == domain.NodeParallelSplit {
		return true
	}
	return n.Kind == domain.NodeInclusiveGateway && len(g.outgoing[id]) > 1
}

// pairJoins matches joins to splits, honoring explicit join_of and
// otherwise inferring the pairing from nesting.
func (g *Graph) pairJoins() error {
	for id, n := range g.nodes {
		if !g.isJoin(id) {
			continue
		}
		if n.Config.JoinOf != "" {
			split, ok := g.nodes[n.Config.JoinOf]
			if !ok {
				return domain.E(domain.KindValidation, "join %s references unknown split %s", id, n.Config.JoinOf)
			}
			if !g.isSplit(split.ID) {
				return domain.E(domain.KindValidation, "join %s: %s is not a split", id, split.ID)
			}
			if n.Kind == domain.NodeParallelJoin && split.Kind != domain.NodeParallelSplit {
				return domain.E(domain.KindValidation, "parallel_join %s must pair with a parallel_split, got %s", id, split.Kind)
			}
			g.joinSplit[id] = split.ID
		}
	}

	// Nesting inference: walk from start carrying the stack of open
	// splits; every path into a join must agree on the pairing.
	var walk func(id string, stack []string) error
	visited := map[string]int{}
	walk = func(id string, stack []string) error {
		// Bound revisits: a node is re-entered at most once per incoming
		// edge, which is enough to propagate every stack shape.
		if visited[id] > len(g.incoming[id]) {
			return nil
		}
		visited[id]++
		if g.isJoin(id) {
			if len(stack) == 0 {
				if _, explicit := g.joinSplit[id]; !explicit {
					return domain.E(domain.KindValidation, "join %s has no enclosing split", id)
				}
			} else {
				top := stack[len(stack)-1]
				if prev, ok := g.joinSplit[id]; ok && prev != top {
					return domain.E(domain.KindValidation, "join %s pairs ambiguously with %s and %s", id, prev, top)
				}
				g.joinSplit[id] = top
				stack = stack[:len(stack)-1]
			}
		}
		if g.isSplit(id) {
			stack = append(stack, id)
		}
		for _, e := range g.outgoing[id] {
			if g.backEdges[edgeKey{id, e.TargetID}] {
				continue
			}
			branch := make([]string, len(stack))
			copy(branch, stack)
			if err := walk(e.TargetID, branch); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(g.start.ID, nil); err != nil {
		return err
	}

	for join, split := range g.joinSplit {
		g.splitJoin[split] = join
		if g.nodes[join].Kind == domain.NodeParallelJoin {
			inDeg := len(g.incoming[join])
			outDeg := len(g.outgoing[split])
			if inDeg != outDeg {
				return domain.E(domain.KindValidation, "parallel_join %s in-degree %d does not match split %s out-degree %d", join, inDeg, split, outDeg)
			}
		}
	}
	for id := range g.nodes {
		if g.nodes[id].Kind == domain.NodeParallelJoin {
			if _, ok := g.joinSplit[id]; !ok {
				return domain.E(domain.KindValidation, "parallel_join %s has no paired split", id)
			}
		}
	}
	return nil
}

func (g *Graph) checkConfigs() error {
	for id, n := range g.nodes {
		switch n.Kind {
		case domain.NodeSignature, domain.NodeApproval:
			ref := n.Config.Assignee
			if ref == nil || (ref.ParticipantID == "" && ref.Role == "") {
				return domain.E(domain.KindValidation, "node %s needs an assignee (participant_id or role)", id)
			}
			if n.Config.DueIn != "" {
				if _, err := time.ParseDuration(n.Config.DueIn); err != nil {
					return domain.E(domain.KindValidation, "node %s due_in: %v", id, err)
				}
			}
		case domain.NodeTimer:
			hasDelay := n.Config.Delay != ""
			hasAbsolute := n.Config.Absolute != ""
			if hasDelay == hasAbsolute {
				return domain.E(domain.KindValidation, "timer %s needs exactly one of delay or absolute", id)
			}
			if hasDelay {
				if _, err := time.ParseDuration(n.Config.Delay); err != nil {
					return domain.E(domain.KindValidation, "timer %s delay: %v", id, err)
				}
			}
			if hasAbsolute {
				if _, err := time.Parse(time.RFC3339, n.Config.Absolute); err != nil {
					return domain.E(domain.KindValidation, "timer %s absolute: %v", id, err)
				}
			}
		case domain.NodeServiceTask:
			if n.Config.Service == "" {
				return domain.E(domain.KindValidation, "service_task %s needs a service name", id)
			}
			if n.Config.OnError != "" {
				if _, ok := g.nodes[n.Config.OnError]; !ok {
					return domain.E(domain.KindValidation, "service_task %s on_error references unknown node %s", id, n.Config.OnError)
				}
			}
		case domain.NodeScript:
			if len(n.Config.Assignments) == 0 {
				return domain.E(domain.KindValidation, "script %s has no assignments", id)
			}
		case domain.NodeNotification:
			if n.Config.TemplateID == "" {
				return domain.E(domain.KindValidation, "notification %s needs a template_id", id)
			}
			if n.Config.Recipient == "" {
				return domain.E(domain.KindValidation, "notification %s needs a recipient", id)
			}
		}
		if n.Config.OnExpire != "" {
			if _, ok := g.nodes[n.Config.OnExpire]; !ok {
				return domain.E(domain.KindValidation, "node %s on_expire references unknown node %s", id, n.Config.OnExpire)
			}
		}
	}
	return nil
}

func (g *Graph) checkGuards() error {
	ev, err := expr.New(g.Def)
	if err != nil {
		return domain.E(domain.KindValidation, "%v", err)
	}
	for _, e := range g.Def.Edges {
		if e.Guard == "" {
			continue
		}
		if err := ev.CheckBool(e.Guard); err != nil {
			return domain.E(domain.KindValidation, "edge %s -> %s: %v", e.SourceID, e.TargetID, err)
		}
	}
	for id, n := range g.nodes {
		if n.Kind != domain.NodeScript {
			continue
		}
		for name, src := range n.Config.Assignments {
			if ev.DeclaredType(name) == "" {
				return domain.E(domain.KindValidation, "script %s assigns undeclared variable %s", id, name)
			}
			if err := ev.Check(src); err != nil {
				return domain.E(domain.KindValidation, "script %s: %v", id, err)
			}
		}
	}
	return nil
}

// computeDependencies records, per task node, the nearest upstream task
// nodes across every incoming path. Back edges are skipped.
func (g *Graph) computeDependencies() {
	memo := map[string][]string{}
	var nearest func(id string) []string
	nearest = func(id string) []string {
		if cached, ok := memo[id]; ok {
			return cached
		}
		memo[id] = nil // cycle guard
		set := map[string]bool{}
		for _, e := range g.incoming[id] {
			if g.backEdges[edgeKey{e.SourceID, id}] {
				continue
			}
			src := g.nodes[e.SourceID]
			if IsTaskNode(src.Kind) {
				set[src.ID] = true
				continue
			}
			for _, dep := range nearest(src.ID) {
				set[dep] = true
			}
		}
		deps := make([]string, 0, len(set))
		for _, n := range g.Def.Nodes { // preserve declaration order
			if set[n.ID] {
				deps = append(deps, n.ID)
			}
		}
		memo[id] = deps
		return deps
	}
	for _, n := range g.Def.Nodes {
		if IsTaskNode(n.Kind) {
			g.deps[n.ID] = nearest(n.ID)
		}
	}
}

func (g *Graph) Node(id string) (domain.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Start() domain.Node { return g.start }

func (g *Graph) Ends() []string { return g.ends }

// Outgoing returns a node's outgoing edges in declared order.
func (g *Graph) Outgoing(id string) []domain.Edge { return g.outgoing[id] }

func (g *Graph) Incoming(id string) []domain.Edge { return g.incoming[id] }

// JoinSplit returns the split paired with a join node.
func (g *Graph) JoinSplit(joinID string) (string, bool) {
	s, ok := g.joinSplit[joinID]
	return s, ok
}

// SplitJoin returns the join paired with a split node.
func (g *Graph) SplitJoin(splitID string) (string, bool) {
	j, ok := g.splitJoin[splitID]
	return j, ok
}

// TaskNodes returns task-materializing nodes in declaration order.
func (g *Graph) TaskNodes() []domain.Node {
	var res []domain.Node
	for _, n := range g.Def.Nodes {
		if IsTaskNode(n.Kind) {
			res = append(res, n)
		}
	}
	return res
}

// Dependencies returns the nearest upstream task nodes of a task node.
func (g *Graph) Dependencies(nodeID string) []string { return g.deps[nodeID] }

// IsBackEdge reports whether an edge was classified as a loop-back.
func (g *Graph) IsBackEdge(src, dst string) bool {
	return g.backEdges[edgeKey{src, dst}]
}

func (g *Graph) String() string {
	return fmt.Sprintf("workflow %s v%d: %d nodes, %d edges", g.Def.WorkflowID, g.Def.Version, len(g.nodes), len(g.Def.Edges))
}
