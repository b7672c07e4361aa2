package mcptools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/agentmux/internal/dashboard"
)

// Args wraps the raw tool-call arguments.
type Args map[string]any

// String returns a string argument or "".
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer argument or def.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Bool returns a boolean argument or def.
func (a Args) Bool(key string, def bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return def
}

// BoolPtr returns a pointer to a boolean argument, or nil when absent.
func (a Args) BoolPtr(key string) *bool {
	if v, ok := a[key].(bool); ok {
		return &v
	}
	return nil
}

// Map returns an object argument or nil.
func (a Args) Map(key string) map[string]any {
	if v, ok := a[key].(map[string]any); ok {
		return v
	}
	return nil
}

// StringSlice returns a list-of-strings argument.
func (a Args) StringSlice(key string) []string {
	raw, ok := a[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Has reports whether the argument was supplied.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// toolError is a structured failure carried across the façade.
type toolError struct {
	Code    string
	Message string
	Extra   map[string]any
}

func (e *toolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// fail builds a structured failure.
func fail(code, format string, args ...any) error {
	return &toolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// failWith attaches extra payload fields to a failure.
func failWith(code, message string, extra map[string]any) error {
	return &toolError{Code: code, Message: message, Extra: extra}
}

// resultJSON converts a handler outcome into the tool result envelope:
// success:true merged with the payload, or success:false with the
// stable error code.
func resultJSON(payload any, err error) *mcp.CallToolResult {
	if err != nil {
		body := map[string]any{"success": false}
		var te *toolError
		var tre *dashboard.TransitionError
		switch {
		case errors.As(err, &te):
			body["error"] = te.Code
			body["message"] = te.Message
			for k, v := range te.Extra {
				body[k] = v
			}
		case errors.As(err, &tre):
			// A terminal task rejecting a non-transition mutation (the
			// From==To marker) is immutability; a real transition out
			// of any state is InvalidTransition with the allowed set.
			if tre.Terminal() && tre.From == tre.To {
				body["error"] = CodeTerminalStateImmutable
			} else {
				body["error"] = CodeInvalidTransition
			}
			body["message"] = tre.Error()
			body["allowed"] = tre.Allowed
		default:
			body["error"] = codeFor(err)
			body["message"] = err.Error()
		}
		return jsonResult(body)
	}

	body := map[string]any{}
	if payload != nil {
		data, merr := json.Marshal(payload)
		if merr == nil {
			if uerr := json.Unmarshal(data, &body); uerr != nil {
				// Non-object payloads land under "result".
				body = map[string]any{"result": payload}
			}
		}
	}
	body["success"] = true
	return jsonResult(body)
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf(`{"success":false,"error":%q,"message":%q}`, CodeInternalError, err.Error()))
	}
	return mcp.NewToolResultText(string(data))
}
