package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// defaultCacheSize — сколько результатов по ключам идемпотентности хранится.
const defaultCacheSize = 4096

// Registry — реестр коннекторов, реализующий Executor.
type Registry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	connectors map[string]*registered

	group singleflight.Group

	cacheMu    sync.Mutex
	cache      map[string]map[string]any
	cacheOrder []string
	cacheSize  int
}

var _ Executor = (*Registry)(nil)

type registered struct {
	actions map[string]*compiledAction
	limiter *rate.Limiter
}

type compiledAction struct {
	handler ActionFunc
	schema  *jsonschema.Schema
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger,
		connectors: make(map[string]*registered),
		cache:      make(map[string]map[string]any),
		cacheSize:  defaultCacheSize,
	}
}

// NewDefaultRegistry создаёт реестр со встроенными коннекторами http и core.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.MustRegister(NewHTTP(nil))
	r.MustRegister(NewCore())
	return r
}

// Register добавляет коннектор. Схемы действий компилируются сразу.
func (r *Registry) Register(c Connector) error {
	reg := &registered{actions: make(map[string]*compiledAction, len(c.Actions))}
	if c.RateLimit > 0 {
		burst := max(c.Burst, 1)
		reg.limiter = rate.NewLimiter(rate.Limit(c.RateLimit), burst)
	}

	for _, a := range c.Actions {
		if a.Handler == nil {
			return fmt.Errorf("connector %s: action %s has no handler", c.Name, a.Name)
		}
		ca := &compiledAction{handler: a.Handler}
		if a.Schema != "" {
			schema, err := compileSchema(c.Name+"/"+a.Name, a.Schema)
			if err != nil {
				return fmt.Errorf("connector %s: action %s: %w", c.Name, a.Name, err)
			}
			ca.schema = schema
		}
		reg.actions[a.Name] = ca
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name] = reg
	return nil
}

// MustRegister как Register, но паникует при ошибке.
func (r *Registry) MustRegister(c Connector) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Execute выполняет действие коннектора.
//
// Повторный вызов с тем же idempotencyKey возвращает сохранённый
// результат; конкурентные вызовы с одним ключом выполняются один раз.
func (r *Registry) Execute(ctx context.Context, connector, action string, actx ActionContext, idempotencyKey string) (map[string]any, error) {
	wrap := func(err error) error {
		return &ExecutionError{Connector: connector, Action: action, Err: err}
	}

	r.mu.RLock()
	reg, ok := r.connectors[connector]
	r.mu.RUnlock()
	if !ok {
		return nil, wrap(Permanent(fmt.Errorf("%w: %s", ErrUnknownConnector, connector)))
	}
	act, ok := reg.actions[action]
	if !ok {
		return nil, wrap(Permanent(fmt.Errorf("%w: %s", ErrUnknownAction, action)))
	}

	cacheKey := connector + "/" + action + "/" + idempotencyKey
	if idempotencyKey != "" {
		if out, ok := r.cached(cacheKey); ok {
			r.logger.Debug("idempotent replay", "connector", connector, "action", action, "key", idempotencyKey)
			return out, nil
		}
	}

	call := func() (map[string]any, error) {
		cfg := actx.Config()
		if act.schema != nil {
			if err := validate(act.schema, cfg); err != nil {
				return nil, Permanent(err)
			}
		}
		if reg.limiter != nil {
			if err := reg.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit: %w", err)
			}
		}

		out, err := act.handler(ctx, Request{ActionContext: actx, Config: cfg, IdempotencyKey: idempotencyKey})
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = map[string]any{}
		}
		return out, nil
	}

	if idempotencyKey == "" {
		out, err := call()
		if err != nil {
			return nil, wrap(err)
		}
		return out, nil
	}

	v, err, _ := r.group.Do(cacheKey, func() (any, error) {
		out, err := call()
		if err != nil {
			return nil, err
		}
		r.remember(cacheKey, out)
		return out, nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return maps.Clone(v.(map[string]any)), nil
}

func (r *Registry) cached(key string) (map[string]any, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	out, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	return maps.Clone(out), true
}

// remember сохраняет результат; старейшие записи вытесняются.
func (r *Registry) remember(key string, out map[string]any) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	if _, ok := r.cache[key]; ok {
		return
	}
	if len(r.cacheOrder) >= r.cacheSize {
		oldest := r.cacheOrder[0]
		r.cacheOrder = r.cacheOrder[1:]
		delete(r.cache, oldest)
	}
	r.cache[key] = out
	r.cacheOrder = append(r.cacheOrder, key)
}

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := "agentflow://connector/" + name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validate проверяет конфигурацию по схеме. Значения проходят через JSON,
// чтобы числа стали json.Number, как ожидает jsonschema.
func validate(schema *jsonschema.Schema, cfg map[string]any) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
