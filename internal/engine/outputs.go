package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/itchyny/gojq"
)

// projection — скомпилированные jq-проекции выходов узла.
type projection struct {
	names []string
	codes map[string]*gojq.Code
}

// compileOutputs компилирует jq-выражения из NodeDef.Outputs.
func compileOutputs(outputs map[string]string) (*projection, error) {
	p := &projection{
		names: make([]string, 0, len(outputs)),
		codes: make(map[string]*gojq.Code, len(outputs)),
	}

	for name, expression := range outputs {
		query, err := gojq.Parse(expression)
		if err != nil {
			return nil, fmt.Errorf("output %q: parse %q: %w", name, expression, err)
		}

		// Пустой loader: $ENV и env недоступны в проекциях
		code, err := gojq.Compile(query,
			gojq.WithEnvironLoader(func() []string { return nil }),
		)
		if err != nil {
			return nil, fmt.Errorf("output %q: compile %q: %w", name, expression, err)
		}

		p.names = append(p.names, name)
		p.codes[name] = code
	}
	sort.Strings(p.names)

	return p, nil
}

// ProjectOutputs применяет jq-проекции узла к результату коннектора.
//
// Без проекций результат возвращается как есть. Выражение с одним
// результатом даёт значение, с несколькими — массив, без результатов — nil.
func (n *Node) ProjectOutputs(ctx context.Context, result map[string]any) (map[string]any, error) {
	if n.outputs == nil {
		return result, nil
	}

	input, err := normalizeJSON(result)
	if err != nil {
		return nil, err
	}

	projected := make(map[string]any, len(n.outputs.names))
	for _, name := range n.outputs.names {
		iter := n.outputs.codes[name].RunWithContext(ctx, input)

		var values []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
			values = append(values, v)
		}

		switch len(values) {
		case 0:
			projected[name] = nil
		case 1:
			projected[name] = values[0]
		default:
			projected[name] = values
		}
	}

	return projected, nil
}

// normalizeJSON приводит значение к типам, которые понимает gojq
// (числа — float64, структуры — map[string]any).
func normalizeJSON(v map[string]any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return out, nil
}
