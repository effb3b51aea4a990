package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signline/internal/domain"
)

func signer(role string) *domain.AssigneeRef {
	return &domain.AssigneeRef{Role: role}
}

func node(id, kind string) domain.Node {
	n := domain.Node{ID: id, Kind: kind}
	if IsTaskNode(kind) && kind != domain.NodeTimer && kind != domain.NodeServiceTask {
		n.Config.Assignee = signer("signer")
	}
	if kind == domain.NodeTimer {
		n.Config.Delay = "1h"
	}
	if kind == domain.NodeServiceTask {
		n.Config.Service = "stamp"
	}
	return n
}

func edge(src, dst string, guard ...string) domain.Edge {
	e := domain.Edge{SourceID: src, TargetID: dst}
	if len(guard) > 0 {
		e.Guard = guard[0]
	}
	return e
}

func def(nodes []domain.Node, edges []domain.Edge) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		WorkflowID: "wf_test",
		Version:    1,
		Name:       "test",
		Nodes:      nodes,
		Edges:      edges,
	}
}

func TestBuildSequential(t *testing.T) {
	d := def(
		[]domain.Node{node("start", domain.NodeStart), node("sign", domain.NodeSignature), node("end", domain.NodeEnd)},
		[]domain.Edge{edge("start", "sign"), edge("sign", "end")},
	)
	g, err := Build(d)
	require.NoError(t, err)

	assert.Equal(t, "start", g.Start().ID)
	assert.Equal(t, []string{"end"}, g.Ends())
	require.Len(t, g.TaskNodes(), 1)
	assert.Equal(t, "sign", g.TaskNodes()[0].ID)
	assert.Empty(t, g.Dependencies("sign"))
	require.Len(t, g.Outgoing("start"), 1)
	assert.Equal(t, "sign", g.Outgoing("start")[0].TargetID)
}

func TestDependenciesSkipNonTaskNodes(t *testing.T) {
	d := def(
		[]domain.Node{
			node("start", domain.NodeStart),
			node("first", domain.NodeSignature),
			node("notify", domain.NodeNotification),
			node("second", domain.NodeSignature),
			node("end", domain.NodeEnd),
		},
		[]domain.Edge{
			edge("start", "first"),
			edge("first", "notify"),
			edge("notify", "second"),
			edge("second", "end"),
		},
	)
	d.Nodes[2].Config.TemplateID = "t1"
	d.Nodes[2].Config.Recipient = "signer"

	g, err := Build(d)
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, g.Dependencies("second"))
}

func TestJoinPairingByNesting(t *testing.T) {
	d := def(
		[]domain.Node{
			node("start", domain.NodeStart),
			node("split", domain.NodeParallelSplit),
			node("a", domain.NodeSignature),
			node("b", domain.NodeSignature),
			node("join", domain.NodeParallelJoin),
			node("end", domain.NodeEnd),
		},
		[]domain.Edge{
			edge("start", "split"),
			edge("split", "a"),
			edge("split", "b"),
			edge("a", "join"),
			edge("b", "join"),
			edge("join", "end"),
		},
	)
	g, err := Build(d)
	require.NoError(t, err)

	split, ok := g.JoinSplit("join")
	require.True(t, ok)
	assert.Equal(t, "split", split)
	join, ok := g.SplitJoin("split")
	require.True(t, ok)
	assert.Equal(t, "join", join)
}

func TestJoinPairingExplicit(t *testing.T) {
	joinNode := node("join", domain.NodeParallelJoin)
	joinNode.Config.JoinOf = "split"
	d := def(
		[]domain.Node{
			node("start", domain.NodeStart),
			node("split", domain.NodeParallelSplit),
			node("a", domain.NodeSignature),
			node("b", domain.NodeSignature),
			joinNode,
			node("end", domain.NodeEnd),
		},
		[]domain.Edge{
			edge("start", "split"),
			edge("split", "a"),
			edge("split", "b"),
			edge("a", "join"),
			edge("b", "join"),
			edge("join", "end"),
		},
	)
	g, err := Build(d)
	require.NoError(t, err)

	split, ok := g.JoinSplit("join")
	require.True(t, ok)
	assert.Equal(t, "split", split)
}

func TestLoopBackBehindExclusiveGateway(t *testing.T) {
	d := def(
		[]domain.Node{
			node("start", domain.NodeStart),
			node("sign", domain.NodeSignature),
			node("check", domain.NodeExclusiveGateway),
			node("end", domain.NodeEnd),
		},
		[]domain.Edge{
			edge("start", "sign"),
			edge("sign", "check"),
			edge("check", "sign", `retries < 3`),
			edge("check", "end"),
		},
	)
	d.Variables = []domain.VariableDef{{Name: "retries", Type: "int"}}

	g, err := Build(d)
	require.NoError(t, err)
	assert.True(t, g.IsBackEdge("check", "sign"))
	assert.Empty(t, g.Dependencies("sign"))
}

func TestGuardedRoutingDependencies(t *testing.T) {
	d := def(
		[]domain.Node{
			node("start", domain.NodeStart),
			node("prepare", domain.NodeSignature),
			node("route", domain.NodeExclusiveGateway),
			node("director", domain.NodeApproval),
			node("final", domain.NodeSignature),
			node("end", domain.NodeEnd),
		},
		[]domain.Edge{
			edge("start", "prepare"),
			edge("prepare", "route"),
			edge("route", "director", "amount > 10000"),
			edge("route", "final"),
			edge("director", "final"),
			edge("final", "end"),
		},
	)
	d.Variables = []domain.VariableDef{{Name: "amount", Type: "int"}}

	g, err := Build(d)
	require.NoError(t, err)
	assert.Equal(t, []string{"prepare"}, g.Dependencies("director"))
	assert.ElementsMatch(t, []string{"prepare", "director"}, g.Dependencies("final"))
}

func TestBuildRejects(t *testing.T) {
	cases := []struct {
		name  string
		def   domain.WorkflowDefinition
		wants string
	}{
		{
			name: "no start",
			def: def(
				[]domain.Node{node("sign", domain.NodeSignature), node("end", domain.NodeEnd)},
				[]domain.Edge{edge("sign", "end")},
			),
			wants: "exactly one start",
		},
		{
			name: "two starts",
			def: def(
				[]domain.Node{node("s1", domain.NodeStart), node("s2", domain.NodeStart), node("end", domain.NodeEnd)},
				[]domain.Edge{edge("s1", "end"), edge("s2", "end")},
			),
			wants: "exactly one start",
		},
		{
			name: "no end",
			def: def(
				[]domain.Node{node("start", domain.NodeStart), node("sign", domain.NodeSignature)},
				[]domain.Edge{edge("start", "sign")},
			),
			wants: "at least one end",
		},
		{
			name: "unknown kind",
			def: def(
				[]domain.Node{node("start", domain.NodeStart), {ID: "x", Kind: "rest"}, node("end", domain.NodeEnd)},
				[]domain.Edge{edge("start", "x"), edge("x", "end")},
			),
			wants: "unknown kind",
		},
		{
			name: "duplicate node id",
			def: def(
				[]domain.Node{node("start", domain.NodeStart), node("sign", domain.NodeSignature), node("sign", domain.NodeSignature), node("end", domain.NodeEnd)},
				[]domain.Edge{edge("start", "sign"), edge("sign", "end")},
			),
			wants: "duplicate node id",
		},
		{
			name: "edge to unknown node",
			def: def(
				[]domain.Node{node("start", domain.NodeStart), node("end", domain.NodeEnd)},
				[]domain.Edge{edge("start", "ghost"), edge("start", "end")},
			),
			wants: "unknown target",
		},
		{
			name: "end with outgoing edge",
			def: def(
				[]domain.Node{node("start", domain.NodeStart), node("sign", domain.NodeSignature), node("end", domain.NodeEnd)},
				[]domain.Edge{edge("start", "sign"), edge("sign", "end"), edge("end", "sign")},
			),
			wants: "no outgoing edges",
		},
		{
			name: "unreachable node",
			def: def(
				[]domain.Node{node("start", domain.NodeStart), node("sign", domain.NodeSignature), node("orphan", domain.NodeSignature), node("end", domain.NodeEnd)},
				[]domain.Edge{edge("start", "sign"), edge("sign", "end"), edge("orphan", "end")},
			),
			wants: "unreachable",
		},
		{
			name: "dead end without edges",
			def: def(
				[]domain.Node{node("start", domain.NodeStart), node("sign", domain.NodeSignature), node("end", domain.NodeEnd)},
				[]domain.Edge{edge("start", "sign"), edge("start", "end")},
			),
			wants: "no outgoing edge",
		},
		{
			name: "cycle without exclusive gateway",
			def: def(
				[]domain.Node{node("start", domain.NodeStart), node("a", domain.NodeSignature), node("b", domain.NodeSignature), node("end", domain.NodeEnd)},
				[]domain.Edge{edge("start", "a"), edge("a", "b"), edge("b", "a"), edge("b", "end")},
			),
			wants: "cycle",
		},
		{
			name: "join in-degree mismatch",
			def: def(
				[]domain.Node{
					node("start", domain.NodeStart),
					node("split", domain.NodeParallelSplit),
					node("a", domain.NodeSignature),
					node("b", domain.NodeSignature),
					node("c", domain.NodeSignature),
					node("join", domain.NodeParallelJoin),
					node("end", domain.NodeEnd),
				},
				[]domain.Edge{
					edge("start", "split"),
					edge("split", "a"),
					edge("split", "b"),
					edge("split", "c"),
					edge("a", "join"),
					edge("b", "join"),
					edge("c", "end"),
					edge("join", "end"),
				},
			),
			wants: "does not match",
		},
		{
			name: "join without split",
			def: def(
				[]domain.Node{
					node("start", domain.NodeStart),
					node("a", domain.NodeSignature),
					node("join", domain.NodeParallelJoin),
					node("end", domain.NodeEnd),
				},
				[]domain.Edge{edge("start", "a"), edge("a", "join"), edge("join", "end")},
			),
			wants: "no enclosing split",
		},
		{
			name: "signature without assignee",
			def: def(
				[]domain.Node{node("start", domain.NodeStart), {ID: "sign", Kind: domain.NodeSignature}, node("end", domain.NodeEnd)},
				[]domain.Edge{edge("start", "sign"), edge("sign", "end")},
			),
			wants: "needs an assignee",
		},
		{
			name: "timer with delay and absolute",
			def: def(
				[]domain.Node{
					node("start", domain.NodeStart),
					{ID: "wait", Kind: domain.NodeTimer, Config: domain.NodeConfig{Delay: "1h", Absolute: "2026-01-02T00:00:00Z"}},
					node("end", domain.NodeEnd),
				},
				[]domain.Edge{edge("start", "wait"), edge("wait", "end")},
			),
			wants: "exactly one of delay or absolute",
		},
		{
			name: "guard on parallel split edge",
			def: def(
				[]domain.Node{
					node("start", domain.NodeStart),
					node("split", domain.NodeParallelSplit),
					node("a", domain.NodeSignature),
					node("b", domain.NodeSignature),
					node("join", domain.NodeParallelJoin),
					node("end", domain.NodeEnd),
				},
				[]domain.Edge{
					edge("start", "split"),
					edge("split", "a", "true"),
					edge("split", "b"),
					edge("a", "join"),
					edge("b", "join"),
					edge("join", "end"),
				},
			),
			wants: "must not carry guards",
		},
		{
			name: "default edge not last",
			def: def(
				[]domain.Node{
					node("start", domain.NodeStart),
					node("route", domain.NodeExclusiveGateway),
					node("a", domain.NodeSignature),
					node("b", domain.NodeSignature),
					node("end", domain.NodeEnd),
				},
				[]domain.Edge{
					edge("start", "route"),
					edge("route", "a"),
					edge("route", "b", "true"),
					edge("a", "end"),
					edge("b", "end"),
				},
			),
			wants: "declared last",
		},
		{
			name: "non-boolean guard",
			def: func() domain.WorkflowDefinition {
				d := def(
					[]domain.Node{
						node("start", domain.NodeStart),
						node("route", domain.NodeExclusiveGateway),
						node("a", domain.NodeSignature),
						node("end", domain.NodeEnd),
					},
					[]domain.Edge{
						edge("start", "route"),
						edge("route", "a", "amount + 1"),
						edge("a", "end"),
					},
				)
				d.Variables = []domain.VariableDef{{Name: "amount", Type: "int"}}
				return d
			}(),
			wants: "",
		},
		{
			name: "script assigns undeclared variable",
			def: def(
				[]domain.Node{
					node("start", domain.NodeStart),
					{ID: "calc", Kind: domain.NodeScript, Config: domain.NodeConfig{Assignments: map[string]string{"ghost": "1"}}},
					node("end", domain.NodeEnd),
				},
				[]domain.Edge{edge("start", "calc"), edge("calc", "end")},
			),
			wants: "undeclared variable",
		},
		{
			name: "bad max_duration",
			def: func() domain.WorkflowDefinition {
				d := def(
					[]domain.Node{node("start", domain.NodeStart), node("sign", domain.NodeSignature), node("end", domain.NodeEnd)},
					[]domain.Edge{edge("start", "sign"), edge("sign", "end")},
				)
				d.Settings.MaxDuration = "3 days"
				return d
			}(),
			wants: "max_duration",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.def)
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindValidation), "got %v", err)
			if tc.wants != "" {
				assert.Contains(t, err.Error(), tc.wants)
			}
		})
	}
}

func TestInclusiveGatewayPairing(t *testing.T) {
	d := def(
		[]domain.Node{
			node("start", domain.NodeStart),
			node("fork", domain.NodeInclusiveGateway),
			node("a", domain.NodeSignature),
			node("b", domain.NodeSignature),
			node("merge", domain.NodeInclusiveGateway),
			node("end", domain.NodeEnd),
		},
		[]domain.Edge{
			edge("start", "fork"),
			edge("fork", "a", "wantA"),
			edge("fork", "b", "wantB"),
			edge("a", "merge"),
			edge("b", "merge"),
			edge("merge", "end"),
		},
	)
	d.Variables = []domain.VariableDef{
		{Name: "wantA", Type: "bool"},
		{Name: "wantB", Type: "bool"},
	}

	g, err := Build(d)
	require.NoError(t, err)
	split, ok := g.JoinSplit("merge")
	require.True(t, ok)
	assert.Equal(t, "fork", split)
}
