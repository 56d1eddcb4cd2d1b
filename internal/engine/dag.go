package engine

import (
	"fmt"

	"github.com/shaiso/agentflow/internal/domain"
)

// Node — узел в DAG.
type Node struct {
	// Def — определение узла из DAGSpec.
	Def *domain.NodeDef

	// ID — идентификатор узла.
	ID string

	// InDegree — количество входящих рёбер.
	InDegree int

	// In — входящие рёбра (от предшественников).
	In []*Edge

	// Out — исходящие рёбра (к последователям).
	Out []*Edge

	condition *Program
	wait      *waitSpec
	outputs   *projection
}

// Edge — ребро графа с опциональным предикатом.
type Edge struct {
	From *Node
	To   *Node

	// When — скомпилированный предикат. Nil — ребро безусловное.
	When *Program
}

// DAG — направленный ациклический граф узлов workflow.
//
// Строится один раз при загрузке версии; все выражения компилируются
// в BuildDAG, поэтому ошибки в документе обнаруживаются до создания run.
type DAG struct {
	// Nodes — все узлы графа (nodeID → Node).
	Nodes map[string]*Node

	// Roots — узлы без входящих рёбер (точки входа), в порядке документа.
	Roots []*Node

	// Order — топологически отсортированный список узлов.
	Order []*Node
}

// NodeState — наблюдаемое состояние step для узла.
type NodeState struct {
	Status domain.StepStatus
	Output map[string]any
}

// RunState — состояние run, по которому вычисляется готовность узлов.
// Узлы без step отсутствуют в Nodes.
type RunState struct {
	Input map[string]any
	Nodes map[string]NodeState
}

// NewRunState собирает RunState из input run и его steps.
func NewRunState(input map[string]any, steps []domain.Step) RunState {
	nodes := make(map[string]NodeState, len(steps))
	for i := range steps {
		nodes[steps[i].NodeID] = NodeState{
			Status: steps[i].Status,
			Output: steps[i].Output,
		}
	}
	return RunState{Input: input, Nodes: nodes}
}

// BuildDAG валидирует DAGSpec и строит граф.
//
// Ошибки валидации возвращаются как *InvalidDagError.
func BuildDAG(spec *domain.DAGSpec) (*DAG, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	dag := &DAG{
		Nodes: make(map[string]*Node, len(spec.Nodes)),
		Roots: make([]*Node, 0),
	}

	// Первый проход: узлы и их выражения
	nodes := make([]*Node, 0, len(spec.Nodes))
	for i := range spec.Nodes {
		node, err := newNode(&spec.Nodes[i])
		if err != nil {
			return nil, err
		}
		dag.Nodes[node.ID] = node
		nodes = append(nodes, node)
	}

	// Второй проход: рёбра
	for _, e := range spec.Edges {
		if err := dag.addEdge(e); err != nil {
			return nil, err
		}
	}

	for _, node := range nodes {
		if node.InDegree == 0 {
			dag.Roots = append(dag.Roots, node)
		}
	}

	order, err := dag.topologicalSort()
	if err != nil {
		return nil, err
	}
	dag.Order = order

	return dag, nil
}

// newNode создаёт узел и компилирует его выражения.
func newNode(def *domain.NodeDef) (*Node, error) {
	node := &Node{
		Def: def,
		ID:  def.ID,
		In:  make([]*Edge, 0),
		Out: make([]*Edge, 0),
	}

	switch def.Type {
	case domain.NodeTypeConditional:
		source := getString(def.Config, "expression", "")
		if source == "" {
			return nil, NewInvalidDagError(def.ID, "config.expression",
				"conditional node requires expression", ErrInvalidPredicate)
		}
		prg, err := compileProgram(source, conditionEnvTemplate)
		if err != nil {
			return nil, NewInvalidDagError(def.ID, "config.expression", err.Error(), ErrInvalidPredicate)
		}
		node.condition = prg

	case domain.NodeTypeWait:
		spec, err := parseWait(def.Config)
		if err != nil {
			return nil, NewInvalidDagError(def.ID, "config", err.Error(), ErrInvalidWait)
		}
		node.wait = spec
	}

	if len(def.Outputs) > 0 {
		proj, err := compileOutputs(def.Outputs)
		if err != nil {
			return nil, NewInvalidDagError(def.ID, "outputs", err.Error(), ErrInvalidOutputs)
		}
		node.outputs = proj
	}

	return node, nil
}

// addEdge добавляет ребро и компилирует его предикат.
func (d *DAG) addEdge(def domain.EdgeDef) error {
	from, to := d.Nodes[def.From], d.Nodes[def.To]

	edge := &Edge{From: from, To: to}
	if def.When != "" {
		prg, err := compileProgram(def.When, edgeEnvTemplate)
		if err != nil {
			return NewInvalidDagError(def.To, "edges.when",
				fmt.Sprintf("edge %s -> %s: %v", def.From, def.To, err), ErrInvalidPredicate)
		}
		edge.When = prg
	}

	from.Out = append(from.Out, edge)
	to.In = append(to.In, edge)
	to.InDegree++
	return nil
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Возвращает ошибку, если обнаружен цикл.
func (d *DAG) topologicalSort() ([]*Node, error) {
	inDegree := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := make([]*Node, len(d.Roots))
	copy(queue, d.Roots)

	order := make([]*Node, 0, len(d.Nodes))

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, edge := range node.Out {
			inDegree[edge.To.ID]--
			if inDegree[edge.To.ID] == 0 {
				queue = append(queue, edge.To)
			}
		}
	}

	if len(order) != len(d.Nodes) {
		return nil, NewInvalidDagError("", "edges",
			fmt.Sprintf("cycle among %d nodes", len(d.Nodes)-len(order)), ErrCyclicDependency)
	}

	return order, nil
}

// RootNodes возвращает узлы без предшественников.
func (d *DAG) RootNodes() []*Node {
	return d.Roots
}

// Successors возвращает исходящие рёбра узла.
func (d *DAG) Successors(nodeID string) []*Edge {
	if node, ok := d.Nodes[nodeID]; ok {
		return node.Out
	}
	return nil
}

// Predecessors возвращает входящие рёбра узла.
func (d *DAG) Predecessors(nodeID string) []*Edge {
	if node, ok := d.Nodes[nodeID]; ok {
		return node.In
	}
	return nil
}

// GetNode возвращает узел по ID.
func (d *DAG) GetNode(id string) *Node {
	return d.Nodes[id]
}

// Size возвращает количество узлов в DAG.
func (d *DAG) Size() int {
	return len(d.Nodes)
}

// Sinks возвращает узлы без последователей в топологическом порядке.
func (d *DAG) Sinks() []*Node {
	sinks := make([]*Node, 0)
	for _, node := range d.Order {
		if len(node.Out) == 0 {
			sinks = append(sinks, node)
		}
	}
	return sinks
}

// Satisfied проверяет, что источник ребра успешен и предикат истинен.
func (e *Edge) Satisfied(state RunState) (bool, error) {
	src, ok := state.Nodes[e.From.ID]
	if !ok || src.Status != domain.StepStatusSucceeded {
		return false, nil
	}
	if e.When == nil {
		return true, nil
	}
	return e.When.EvalBool(EdgeEnv(src.Output, state.Input))
}

// IsReady проверяет готовность узла.
//
// Узел без предшественников готов всегда. Иначе готов, когда все
// предшественники разрешены (succeeded или skipped), предикаты всех
// рёбер от успешных предшественников истинны и хотя бы одно такое
// ребро есть. Ошибка предиката считается ложным предикатом.
func (d *DAG) IsReady(nodeID string, state RunState) bool {
	node, ok := d.Nodes[nodeID]
	if !ok {
		return false
	}
	outcome, _ := node.join(state, func(id string) (domain.StepStatus, bool) {
		ns, ok := state.Nodes[id]
		return ns.Status, ok
	})
	return outcome == joinReady
}

type joinOutcome int

const (
	joinWait joinOutcome = iota
	joinBlocked
	joinReady
	joinSkip
)

// join вычисляет судьбу узла по статусам предшественников.
//
// Failed предшественник блокирует узел навсегда.
// Ложный предикат на ребре от успешного предшественника пропускает узел,
// даже если другие рёбра удовлетворены. Skipped предшественник разрешён,
// но ребро от него не удовлетворено.
func (n *Node) join(state RunState, status func(id string) (domain.StepStatus, bool)) (joinOutcome, []error) {
	if n.InDegree == 0 {
		return joinReady, nil
	}

	for _, edge := range n.In {
		st, ok := status(edge.From.ID)
		switch {
		case !ok || !st.IsTerminal():
			return joinWait, nil
		case !st.IsResolved():
			return joinBlocked, nil
		}
	}

	var errs []error
	satisfied, rejected := 0, false
	for _, edge := range n.In {
		if st, _ := status(edge.From.ID); st != domain.StepStatusSucceeded {
			continue
		}
		ok, err := edge.Satisfied(state)
		if err != nil {
			errs = append(errs, fmt.Errorf("edge %s -> %s: %w", edge.From.ID, edge.To.ID, err))
		}
		if !ok {
			rejected = true
			continue
		}
		satisfied++
	}

	if rejected || satisfied == 0 {
		return joinSkip, errs
	}
	return joinReady, errs
}

// Resolution — узлы, для которых можно создать steps.
type Resolution struct {
	// Ready — узлы, готовые к выполнению.
	Ready []*Node

	// Skipped — узлы, которые не будут выполняться: предикат ребра ложен
	// или все предшественники пропущены.
	Skipped []*Node

	// Errors — ошибки вычисления предикатов (ребро считается неудовлетворённым).
	Errors []error
}

// Empty возвращает true, если создавать нечего.
func (r Resolution) Empty() bool {
	return len(r.Ready) == 0 && len(r.Skipped) == 0
}

// Resolve вычисляет узлы без steps, которые можно создать.
//
// Один проход в топологическом порядке: пропуск распространяется
// транзитивно (потомок узла, пропущенного в этом же проходе, тоже
// вычисляется). Узел с failed-предшественником не создаётся никогда.
// Правила соединения те же, что у IsReady.
func (d *DAG) Resolve(state RunState) Resolution {
	var res Resolution

	effective := make(map[string]domain.StepStatus, len(d.Nodes))
	for id, ns := range state.Nodes {
		effective[id] = ns.Status
	}

	for _, node := range d.Order {
		if _, exists := effective[node.ID]; exists {
			continue
		}

		outcome, errs := node.join(state, func(id string) (domain.StepStatus, bool) {
			st, ok := effective[id]
			return st, ok
		})
		res.Errors = append(res.Errors, errs...)

		switch outcome {
		case joinReady:
			res.Ready = append(res.Ready, node)
			effective[node.ID] = domain.StepStatusReady
		case joinSkip:
			res.Skipped = append(res.Skipped, node)
			effective[node.ID] = domain.StepStatusSkipped
		}
	}

	return res
}

// Pending проверяет, можно ли ещё создать хотя бы один step.
func (d *DAG) Pending(state RunState) bool {
	return !d.Resolve(state).Empty()
}

// MaxAttempts возвращает предельное количество попыток узла.
func (n *Node) MaxAttempts() int {
	if n.Def.Retry != nil && n.Def.Retry.MaxAttempts > 0 {
		return n.Def.Retry.MaxAttempts
	}
	return domain.DefaultMaxAttempts
}

// EvaluateCondition вычисляет выражение conditional-узла.
func (n *Node) EvaluateCondition(state RunState) (bool, error) {
	if n.condition == nil {
		return false, fmt.Errorf("node %s has no condition", n.ID)
	}
	return n.condition.EvalBool(ConditionEnv(state))
}
