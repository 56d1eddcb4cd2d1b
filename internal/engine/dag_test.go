package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/agentflow/internal/domain"
)

func action(id string) domain.NodeDef {
	return domain.NodeDef{ID: id, Type: domain.NodeTypeAction, Connector: "core", Action: "noop"}
}

func edge(from, to string) domain.EdgeDef {
	return domain.EdgeDef{From: from, To: to}
}

func mustBuild(t *testing.T, spec *domain.DAGSpec) *DAG {
	t.Helper()
	dag, err := BuildDAG(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return dag
}

func state(input map[string]any, nodes map[string]NodeState) RunState {
	if nodes == nil {
		nodes = map[string]NodeState{}
	}
	return RunState{Input: input, Nodes: nodes}
}

func ids(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBuildDAG_SimpleChain(t *testing.T) {
	spec := &domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B"), action("C")},
		Edges: []domain.EdgeDef{edge("A", "B"), edge("B", "C")},
	}

	dag := mustBuild(t, spec)

	if dag.Size() != 3 {
		t.Errorf("expected 3 nodes, got %d", dag.Size())
	}

	// Корневые узлы
	if got := ids(dag.RootNodes()); !equalIDs(got, []string{"A"}) {
		t.Errorf("expected roots [A], got %v", got)
	}

	// Топологический порядок
	if got := ids(dag.Order); !equalIDs(got, []string{"A", "B", "C"}) {
		t.Errorf("expected order [A B C], got %v", got)
	}

	// Связи
	preds := dag.Predecessors("B")
	if len(preds) != 1 || preds[0].From.ID != "A" {
		t.Error("node B should depend on A")
	}
	succ := dag.Successors("B")
	if len(succ) != 1 || succ[0].To.ID != "C" {
		t.Error("node C should follow B")
	}

	if got := ids(dag.Sinks()); !equalIDs(got, []string{"C"}) {
		t.Errorf("expected sinks [C], got %v", got)
	}
}

func TestBuildDAG_Diamond(t *testing.T) {
	// A → B → D
	// A → C → D
	spec := &domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B"), action("C"), action("D")},
		Edges: []domain.EdgeDef{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")},
	}

	dag := mustBuild(t, spec)

	if dag.GetNode("D").InDegree != 2 {
		t.Errorf("D should have inDegree 2, got %d", dag.GetNode("D").InDegree)
	}
	if dag.GetNode("A").InDegree != 0 {
		t.Error("A should have inDegree 0")
	}
	if dag.Order[0].ID != "A" || dag.Order[3].ID != "D" {
		t.Errorf("unexpected order %v", ids(dag.Order))
	}
}

func TestBuildDAG_Empty(t *testing.T) {
	dag := mustBuild(t, &domain.DAGSpec{})

	if dag.Size() != 0 || len(dag.RootNodes()) != 0 {
		t.Error("empty spec should produce empty DAG")
	}
	if dag.Pending(state(nil, nil)) {
		t.Error("empty DAG should have nothing pending")
	}
}

func TestBuildDAG_Invalid(t *testing.T) {
	tests := []struct {
		name string
		spec *domain.DAGSpec
		want error
	}{
		{
			name: "empty node id",
			spec: &domain.DAGSpec{Nodes: []domain.NodeDef{action("")}},
			want: ErrEmptyNodeID,
		},
		{
			name: "duplicate node",
			spec: &domain.DAGSpec{Nodes: []domain.NodeDef{action("A"), action("A")}},
			want: ErrDuplicateNodeID,
		},
		{
			name: "unknown type",
			spec: &domain.DAGSpec{Nodes: []domain.NodeDef{{ID: "A", Type: "parallel"}}},
			want: ErrUnknownNodeType,
		},
		{
			name: "action without connector",
			spec: &domain.DAGSpec{Nodes: []domain.NodeDef{{ID: "A", Type: domain.NodeTypeAction}}},
			want: ErrMissingConnector,
		},
		{
			name: "edge to unknown node",
			spec: &domain.DAGSpec{
				Nodes: []domain.NodeDef{action("A")},
				Edges: []domain.EdgeDef{edge("A", "X")},
			},
			want: ErrUnknownNode,
		},
		{
			name: "self edge",
			spec: &domain.DAGSpec{
				Nodes: []domain.NodeDef{action("A")},
				Edges: []domain.EdgeDef{edge("A", "A")},
			},
			want: ErrSelfEdge,
		},
		{
			name: "duplicate edge",
			spec: &domain.DAGSpec{
				Nodes: []domain.NodeDef{action("A"), action("B")},
				Edges: []domain.EdgeDef{edge("A", "B"), edge("A", "B")},
			},
			want: ErrDuplicateEdge,
		},
		{
			name: "cycle",
			spec: &domain.DAGSpec{
				Nodes: []domain.NodeDef{action("A"), action("B"), action("C")},
				Edges: []domain.EdgeDef{edge("A", "B"), edge("B", "C"), edge("C", "B")},
			},
			want: ErrCyclicDependency,
		},
		{
			name: "bad predicate",
			spec: &domain.DAGSpec{
				Nodes: []domain.NodeDef{action("A"), action("B")},
				Edges: []domain.EdgeDef{{From: "A", To: "B", When: "output.ok =="}},
			},
			want: ErrInvalidPredicate,
		},
		{
			name: "conditional without expression",
			spec: &domain.DAGSpec{Nodes: []domain.NodeDef{{ID: "A", Type: domain.NodeTypeConditional}}},
			want: ErrInvalidPredicate,
		},
		{
			name: "wait without delay",
			spec: &domain.DAGSpec{Nodes: []domain.NodeDef{{ID: "A", Type: domain.NodeTypeWait}}},
			want: ErrInvalidWait,
		},
		{
			name: "bad jq projection",
			spec: &domain.DAGSpec{Nodes: []domain.NodeDef{{
				ID: "A", Type: domain.NodeTypeAction, Connector: "core", Action: "noop",
				Outputs: map[string]string{"x": ".a | ]"},
			}}},
			want: ErrInvalidOutputs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildDAG(tt.spec)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidDag) {
				t.Errorf("expected ErrInvalidDag, got %v", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}

			var dagErr *InvalidDagError
			if !errors.As(err, &dagErr) {
				t.Errorf("expected *InvalidDagError, got %T", err)
			}
		})
	}
}

func TestIsReady(t *testing.T) {
	spec := &domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B"), action("C")},
		Edges: []domain.EdgeDef{
			edge("A", "C"),
			{From: "B", To: "C", When: "output.ok == true"},
		},
	}
	dag := mustBuild(t, spec)

	tests := []struct {
		name  string
		nodes map[string]NodeState
		node  string
		want  bool
	}{
		{"root always ready", nil, "A", true},
		{"predecessors not resolved", map[string]NodeState{
			"A": {Status: domain.StepStatusSucceeded},
			"B": {Status: domain.StepStatusRunning},
		}, "C", false},
		{"all edges satisfied", map[string]NodeState{
			"A": {Status: domain.StepStatusSucceeded},
			"B": {Status: domain.StepStatusSucceeded, Output: map[string]any{"ok": true}},
		}, "C", true},
		{"false predicate on one edge", map[string]NodeState{
			"A": {Status: domain.StepStatusSucceeded},
			"B": {Status: domain.StepStatusSucceeded, Output: map[string]any{"ok": false}},
		}, "C", false},
		{"skipped and satisfied", map[string]NodeState{
			"A": {Status: domain.StepStatusSkipped},
			"B": {Status: domain.StepStatusSucceeded, Output: map[string]any{"ok": true}},
		}, "C", true},
		{"all predecessors skipped", map[string]NodeState{
			"A": {Status: domain.StepStatusSkipped},
			"B": {Status: domain.StepStatusSkipped},
		}, "C", false},
		{"skipped and false predicate", map[string]NodeState{
			"A": {Status: domain.StepStatusSkipped},
			"B": {Status: domain.StepStatusSucceeded, Output: map[string]any{"ok": false}},
		}, "C", false},
		{"failed predecessor", map[string]NodeState{
			"A": {Status: domain.StepStatusFailed},
			"B": {Status: domain.StepStatusSucceeded, Output: map[string]any{"ok": true}},
		}, "C", false},
		{"unknown node", nil, "Z", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dag.IsReady(tt.node, state(nil, tt.nodes)); got != tt.want {
				t.Errorf("IsReady(%s) = %v, want %v", tt.node, got, tt.want)
			}
		})
	}
}

func TestResolve_PredicateFalseSkips(t *testing.T) {
	// A → B (when output.ok == true)
	spec := &domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B")},
		Edges: []domain.EdgeDef{{From: "A", To: "B", When: "output.ok == true"}},
	}
	dag := mustBuild(t, spec)

	res := dag.Resolve(state(nil, map[string]NodeState{
		"A": {Status: domain.StepStatusSucceeded, Output: map[string]any{"ok": false}},
	}))
	if len(res.Ready) != 0 {
		t.Errorf("B must not be ready, got %v", ids(res.Ready))
	}
	if got := ids(res.Skipped); !equalIDs(got, []string{"B"}) {
		t.Errorf("expected skipped [B], got %v", got)
	}

	res = dag.Resolve(state(nil, map[string]NodeState{
		"A": {Status: domain.StepStatusSucceeded, Output: map[string]any{"ok": true}},
	}))
	if got := ids(res.Ready); !equalIDs(got, []string{"B"}) {
		t.Errorf("expected ready [B], got %v", got)
	}
}

func TestResolve_SkipPropagates(t *testing.T) {
	// A → B (false) → C → D
	spec := &domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B"), action("C"), action("D")},
		Edges: []domain.EdgeDef{
			{From: "A", To: "B", When: "false"},
			edge("B", "C"),
			edge("C", "D"),
		},
	}
	dag := mustBuild(t, spec)

	res := dag.Resolve(state(nil, map[string]NodeState{
		"A": {Status: domain.StepStatusSucceeded},
	}))
	if got := ids(res.Skipped); !equalIDs(got, []string{"B", "C", "D"}) {
		t.Errorf("expected skipped [B C D], got %v", got)
	}
	if len(res.Ready) != 0 {
		t.Errorf("nothing should be ready, got %v", ids(res.Ready))
	}
}

func TestResolve_DiamondJoinWaitsForAll(t *testing.T) {
	spec := &domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B"), action("C"), action("D")},
		Edges: []domain.EdgeDef{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")},
	}
	dag := mustBuild(t, spec)

	res := dag.Resolve(state(nil, map[string]NodeState{
		"A": {Status: domain.StepStatusSucceeded},
		"B": {Status: domain.StepStatusSucceeded},
		"C": {Status: domain.StepStatusRunning},
	}))
	if !res.Empty() {
		t.Errorf("D must wait for C, got ready=%v skipped=%v", ids(res.Ready), ids(res.Skipped))
	}

	res = dag.Resolve(state(nil, map[string]NodeState{
		"A": {Status: domain.StepStatusSucceeded},
		"B": {Status: domain.StepStatusSucceeded},
		"C": {Status: domain.StepStatusSkipped},
	}))
	if got := ids(res.Ready); !equalIDs(got, []string{"D"}) {
		t.Errorf("expected ready [D], got %v", got)
	}
}

func TestResolve_JoinWithFalsePredicateSkips(t *testing.T) {
	// A → C (when false), B → C
	spec := &domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B"), action("C"), action("D")},
		Edges: []domain.EdgeDef{
			{From: "A", To: "C", When: "false"},
			edge("B", "C"),
			edge("C", "D"),
		},
	}
	dag := mustBuild(t, spec)

	st := state(nil, map[string]NodeState{
		"A": {Status: domain.StepStatusSucceeded},
		"B": {Status: domain.StepStatusSucceeded},
	})
	if dag.IsReady("C", st) {
		t.Error("C must not be ready when one incoming predicate is false")
	}

	res := dag.Resolve(st)
	if len(res.Ready) != 0 {
		t.Errorf("nothing should be ready, got %v", ids(res.Ready))
	}
	if got := ids(res.Skipped); !equalIDs(got, []string{"C", "D"}) {
		t.Errorf("expected skipped [C D], got %v", got)
	}
}

func TestResolve_FailureBlocksDescendants(t *testing.T) {
	spec := &domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B")},
		Edges: []domain.EdgeDef{edge("A", "B")},
	}
	dag := mustBuild(t, spec)

	st := state(nil, map[string]NodeState{"A": {Status: domain.StepStatusFailed}})
	if dag.Pending(st) {
		t.Error("nothing can be created after a failed predecessor")
	}
}

func TestResolve_PredicateError(t *testing.T) {
	// Предикат возвращает не bool — ребро считается неудовлетворённым
	spec := &domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B")},
		Edges: []domain.EdgeDef{{From: "A", To: "B", When: "output.count"}},
	}
	dag := mustBuild(t, spec)

	res := dag.Resolve(state(nil, map[string]NodeState{
		"A": {Status: domain.StepStatusSucceeded, Output: map[string]any{"count": 3}},
	}))
	if got := ids(res.Skipped); !equalIDs(got, []string{"B"}) {
		t.Errorf("expected skipped [B], got %v", got)
	}
	if len(res.Errors) != 1 || !errors.Is(res.Errors[0], ErrPredicateResult) {
		t.Errorf("expected one ErrPredicateResult, got %v", res.Errors)
	}
}

func TestResolve_PredicateSeesInput(t *testing.T) {
	spec := &domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B")},
		Edges: []domain.EdgeDef{{From: "A", To: "B", When: `input.mode == "full"`}},
	}
	dag := mustBuild(t, spec)

	res := dag.Resolve(state(map[string]any{"mode": "full"}, map[string]NodeState{
		"A": {Status: domain.StepStatusSucceeded},
	}))
	if got := ids(res.Ready); !equalIDs(got, []string{"B"}) {
		t.Errorf("expected ready [B], got %v", got)
	}
}

func TestNode_MaxAttempts(t *testing.T) {
	spec := &domain.DAGSpec{Nodes: []domain.NodeDef{
		action("A"),
		{ID: "B", Type: domain.NodeTypeAction, Connector: "core", Action: "noop",
			Retry: &domain.RetryPolicy{MaxAttempts: 5}},
	}}
	dag := mustBuild(t, spec)

	if got := dag.GetNode("A").MaxAttempts(); got != domain.DefaultMaxAttempts {
		t.Errorf("expected default %d, got %d", domain.DefaultMaxAttempts, got)
	}
	if got := dag.GetNode("B").MaxAttempts(); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
}

func TestNode_EvaluateCondition(t *testing.T) {
	spec := &domain.DAGSpec{Nodes: []domain.NodeDef{
		action("fetch"),
		{ID: "check", Type: domain.NodeTypeConditional,
			Config: map[string]any{"expression": `steps.fetch.output.total > input.limit`}},
	}}
	dag := mustBuild(t, spec)

	st := state(map[string]any{"limit": 10}, map[string]NodeState{
		"fetch": {Status: domain.StepStatusSucceeded, Output: map[string]any{"total": 42}},
	})

	ok, err := dag.GetNode("check").EvaluateCondition(st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected condition to be true")
	}

	if _, err := dag.GetNode("fetch").EvaluateCondition(st); err == nil {
		t.Error("action node has no condition")
	}
}

func TestNewRunState(t *testing.T) {
	steps := []domain.Step{
		{NodeID: "A", Status: domain.StepStatusSucceeded, Output: map[string]any{"x": 1}},
		{NodeID: "B", Status: domain.StepStatusRunning},
	}

	st := NewRunState(map[string]any{"k": "v"}, steps)
	if len(st.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(st.Nodes))
	}
	if st.Nodes["A"].Output["x"] != 1 {
		t.Error("output of A should be kept")
	}
	if st.Input["k"] != "v" {
		t.Error("input should be kept")
	}
}
