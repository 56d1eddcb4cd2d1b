package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shaiso/agentflow/internal/domain"
)

// Parse разбирает JSON-документ графа и валидирует его структуру.
func Parse(data []byte) (*domain.DAGSpec, error) {
	var spec domain.DAGSpec

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, NewInvalidDagError("", "", fmt.Sprintf("decode: %v", err), err)
	}

	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate выполняет структурную валидацию DAGSpec.
//
// Проверяет:
// - Непустые и уникальные ID узлов
// - Известные типы узлов
// - Наличие connector/action у action-узлов
// - Рёбра: известные концы, без петель и дубликатов
//
// Циклы, предикаты и конфигурация узлов проверяются в BuildDAG.
// Пустой граф допустим: такой run завершается сразу.
func Validate(spec *domain.DAGSpec) error {
	if spec == nil {
		return NewInvalidDagError("", "", "nil spec", ErrInvalidDag)
	}

	nodeIDs := make(map[string]bool, len(spec.Nodes))
	for i := range spec.Nodes {
		if err := ValidateNode(&spec.Nodes[i], nodeIDs); err != nil {
			return err
		}
	}

	return validateEdges(spec.Edges, nodeIDs)
}

// ValidateNode валидирует один узел.
// nodeIDs — уже встреченные ID (для проверки уникальности).
func ValidateNode(node *domain.NodeDef, nodeIDs map[string]bool) error {
	if node.ID == "" {
		return NewInvalidDagError("", "id", "node has empty ID", ErrEmptyNodeID)
	}

	if nodeIDs[node.ID] {
		return NewInvalidDagError(node.ID, "id",
			fmt.Sprintf("duplicate node ID: %s", node.ID), ErrDuplicateNodeID)
	}
	nodeIDs[node.ID] = true

	if !node.Type.Valid() {
		return NewInvalidDagError(node.ID, "type",
			fmt.Sprintf("unknown node type: %q", node.Type), ErrUnknownNodeType)
	}

	if node.Type == domain.NodeTypeAction && (node.Connector == "" || node.Action == "") {
		return NewInvalidDagError(node.ID, "connector",
			"action node requires connector and action", ErrMissingConnector)
	}

	if node.Retry != nil && node.Retry.MaxAttempts < 0 {
		return NewInvalidDagError(node.ID, "retry.max_attempts",
			"max_attempts must not be negative", ErrInvalidDag)
	}

	return nil
}

// validateEdges проверяет рёбра графа.
func validateEdges(edges []domain.EdgeDef, nodeIDs map[string]bool) error {
	seen := make(map[[2]string]bool, len(edges))

	for _, e := range edges {
		if !nodeIDs[e.From] {
			return NewInvalidDagError(e.To, "edges",
				fmt.Sprintf("edge from unknown node: %s", e.From), ErrUnknownNode)
		}
		if !nodeIDs[e.To] {
			return NewInvalidDagError(e.From, "edges",
				fmt.Sprintf("edge to unknown node: %s", e.To), ErrUnknownNode)
		}
		if e.From == e.To {
			return NewInvalidDagError(e.From, "edges",
				"node depends on itself", ErrSelfEdge)
		}

		key := [2]string{e.From, e.To}
		if seen[key] {
			return NewInvalidDagError(e.From, "edges",
				fmt.Sprintf("duplicate edge %s -> %s", e.From, e.To), ErrDuplicateEdge)
		}
		seen[key] = true
	}

	return nil
}
