package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// Context — контекст для рендеринга конфигурации узла.
//
// Используется в Go templates для доступа к данным:
//   - {{ .Input.param_name }}
//   - {{ .Steps.node_id.Output.field }}
//   - {{ .Run.ID }}
type Context struct {
	// Input — входные данные run.
	Input map[string]any `json:"input"`

	// Steps — результаты завершённых узлов.
	Steps map[string]*StepContext `json:"steps"`

	// Run — идентификаторы текущего run.
	Run RunContext `json:"run"`
}

// StepContext — результат узла для использования в шаблонах.
type StepContext struct {
	// Output — выходные данные step.
	Output map[string]any `json:"output"`

	// Status — статус step: "succeeded", "skipped".
	Status string `json:"status"`
}

// RunContext — идентификаторы run, доступные в шаблонах.
type RunContext struct {
	ID          string `json:"id"`
	WorkflowID  string `json:"workflow_id"`
	WorkspaceID string `json:"workspace_id"`
}

// NewContext создаёт новый контекст с входными данными.
func NewContext(input map[string]any) *Context {
	if input == nil {
		input = make(map[string]any)
	}
	return &Context{
		Input: input,
		Steps: make(map[string]*StepContext),
	}
}

// ContextFromState создаёт контекст рендеринга из состояния run.
func ContextFromState(state RunState) *Context {
	ctx := NewContext(state.Input)
	for id, ns := range state.Nodes {
		ctx.AddStepResult(id, ns.Output, string(ns.Status))
	}
	return ctx
}

// AddStepResult добавляет результат узла в контекст.
func (c *Context) AddStepResult(nodeID string, output map[string]any, status string) {
	if output == nil {
		output = make(map[string]any)
	}
	c.Steps[nodeID] = &StepContext{
		Output: output,
		Status: status,
	}
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	// toJSON — алиас для json
	"toJSON": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	},

	// fromJSON — парсит JSON строку
	"fromJSON": func(s string) any {
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil
		}
		return result
	},

	// join — объединяет слайс строк
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},

	// split — разбивает строку на слайс
	"split": func(sep, s string) []string {
		return strings.Split(s, sep)
	},

	// contains — проверяет, содержит ли строка подстроку
	"contains": strings.Contains,

	// hasPrefix — проверяет префикс строки
	"hasPrefix": strings.HasPrefix,

	// hasSuffix — проверяет суффикс строки
	"hasSuffix": strings.HasSuffix,

	// lower — приводит к нижнему регистру
	"lower": strings.ToLower,

	// upper — приводит к верхнему регистру
	"upper": strings.ToUpper,

	// trim — удаляет пробелы по краям
	"trim": strings.TrimSpace,

	// replace — заменяет подстроку
	"replace": strings.ReplaceAll,
}

// Render рендерит строковый шаблон с контекстом.
//
// Шаблон может содержать Go template выражения:
//
//	{{ .Input.param }}
//	{{ .Steps.fetch.Output.data }}
//	{{ if .Steps.validate.Output.is_valid }}...{{ end }}
func Render(tmpl string, ctx *Context) (string, error) {
	// Проверяем, содержит ли строка шаблонные выражения
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderValue рендерит произвольное значение.
// Рекурсивно обрабатывает map и slice.
func RenderValue(value any, ctx *Context) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case string:
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	case map[string]string:
		result := make(map[string]string, len(v))
		for key, val := range v {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []string:
		result := make([]string, len(v))
		for i, val := range v {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		// Для остальных типов (int, float, bool) возвращаем как есть
		return value, nil
	}
}

// RenderConfig рендерит конфигурацию узла.
// Это обёртка над RenderValue для map[string]any.
func RenderConfig(config map[string]any, ctx *Context) (map[string]any, error) {
	if config == nil {
		return make(map[string]any), nil
	}

	rendered, err := RenderValue(config, ctx)
	if err != nil {
		return nil, err
	}

	result, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrTemplateRender, rendered)
	}

	return result, nil
}

// MustRender рендерит шаблон и паникует при ошибке.
// Используется только для тестов.
func MustRender(tmpl string, ctx *Context) string {
	result, err := Render(tmpl, ctx)
	if err != nil {
		panic(err)
	}
	return result
}

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}
