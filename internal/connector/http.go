package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
var ErrHTTPRequest = errors.New("http request failed")

const httpRequestSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "method":      {"type": "string"},
    "url":         {"type": "string", "minLength": 1},
    "headers":     {"type": "object", "additionalProperties": {"type": "string"}},
    "body":        {},
    "timeout_sec": {"type": "number", "exclusiveMinimum": 0}
  }
}`

// HTTP — коннектор http.
//
// Действия: request (метод из config), get, post.
//
// Config:
//   - method (string): HTTP-метод для request. Default: GET
//   - url (string): URL запроса (обязательно)
//   - headers (map[string]string): HTTP-заголовки
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//
// Outputs:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
//
// Ключ идемпотентности передаётся в заголовке Idempotency-Key.
// Ответы 4xx (кроме 408 и 429) считаются неповторяемыми.
type HTTP struct {
	client *http.Client
}

// NewHTTP создаёт коннектор http. client == nil — http.DefaultClient.
func NewHTTP(client *http.Client) Connector {
	if client == nil {
		client = http.DefaultClient
	}
	h := &HTTP{client: client}

	return Connector{
		Name: "http",
		Actions: []Action{
			{Name: "request", Schema: httpRequestSchema, Handler: h.do("")},
			{Name: "get", Schema: httpRequestSchema, Handler: h.do(http.MethodGet)},
			{Name: "post", Schema: httpRequestSchema, Handler: h.do(http.MethodPost)},
		},
	}
}

func (h *HTTP) do(method string) ActionFunc {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		m := method
		if m == "" {
			m = strings.ToUpper(getString(req.Config, "method", http.MethodGet))
		}
		return h.execute(ctx, m, req)
	}
}

// execute выполняет HTTP-запрос.
func (h *HTTP) execute(ctx context.Context, method string, req Request) (map[string]any, error) {
	url := getString(req.Config, "url", "")
	if url == "" {
		return nil, Permanent(fmt.Errorf("%w: url is required", ErrHTTPRequest))
	}

	ctx, cancel := context.WithTimeout(ctx, getTimeout(req.Config))
	defer cancel()

	var bodyReader io.Reader
	if body, ok := req.Config["body"]; ok && body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, Permanent(fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err))
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, Permanent(fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err))
	}

	setHeaders(httpReq, req.Config)
	if bodyReader != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		// Сетевые ошибки и таймауты — временные
		return nil, fmt.Errorf("%w: %w", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(respBody), 200))
		if isPermanentStatus(resp.StatusCode) {
			return nil, Permanent(err)
		}
		return nil, err
	}

	return buildOutputs(resp, respBody), nil
}

// isPermanentStatus — клиентские ошибки, которые не исправятся повтором.
func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 &&
		code != http.StatusRequestTimeout &&
		code != http.StatusTooManyRequests
}

// buildOutputs формирует outputs из HTTP-ответа.
func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Парсим body: пробуем JSON, иначе строка
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
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

// getTimeout извлекает таймаут из config.
func getTimeout(cfg map[string]any) time.Duration {
	switch v := cfg["timeout_sec"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return defaultHTTPTimeout
}

// setHeaders устанавливает заголовки из config.
func setHeaders(req *http.Request, cfg map[string]any) {
	switch h := cfg["headers"].(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
