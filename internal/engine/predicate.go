package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Program — скомпилированное выражение expr.
//
// Используется для предикатов рёбер (окружение {output, input}) и
// выражений conditional-узлов (окружение {input, steps}).
// *vm.Program безопасен для конкурентного использования.
type Program struct {
	source  string
	program *vm.Program
}

// edgeEnvTemplate — форма окружения предиката ребра для компиляции.
var edgeEnvTemplate = map[string]any{
	"output": map[string]any{},
	"input":  map[string]any{},
}

// conditionEnvTemplate — форма окружения conditional-узла для компиляции.
var conditionEnvTemplate = map[string]any{
	"input": map[string]any{},
	"steps": map[string]any{},
}

// compileProgram компилирует выражение с заданной формой окружения.
func compileProgram(source string, env map[string]any) (*Program, error) {
	prg, err := expr.Compile(source,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPredicate, source, err)
	}
	return &Program{source: source, program: prg}, nil
}

// String возвращает исходный текст выражения.
func (p *Program) String() string {
	return p.source
}

// EvalBool вычисляет выражение и требует bool-результат.
func (p *Program) EvalBool(env map[string]any) (bool, error) {
	out, err := vm.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.source, err)
	}

	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrPredicateResult, p.source, out)
	}
	return b, nil
}

// EdgeEnv строит окружение предиката ребра.
func EdgeEnv(output, input map[string]any) map[string]any {
	if output == nil {
		output = map[string]any{}
	}
	if input == nil {
		input = map[string]any{}
	}
	return map[string]any{
		"output": output,
		"input":  input,
	}
}

// ConditionEnv строит окружение conditional-узла из состояния run.
//
//	steps.<node_id>.output — выходы узла
//	steps.<node_id>.status — статус step
func ConditionEnv(state RunState) map[string]any {
	steps := make(map[string]any, len(state.Nodes))
	for id, ns := range state.Nodes {
		output := ns.Output
		if output == nil {
			output = map[string]any{}
		}
		steps[id] = map[string]any{
			"output": output,
			"status": string(ns.Status),
		}
	}

	input := state.Input
	if input == nil {
		input = map[string]any{}
	}

	return map[string]any{
		"input": input,
		"steps": steps,
	}
}
