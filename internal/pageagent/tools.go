package pageagent

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/page-agent/internal/interrupt"
)

const (
	ToolExecuteJavaScript = "execute_javascript"
	ToolGetBrowserState   = "get_browser_state"
)

const (
	DefaultWaitAfterRun  = 2 * time.Second
	DefaultWaitBeforeRun = time.Duration(0)
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidInput marks tool inputs that do not match the tool schema.
var ErrInvalidInput = errors.New("invalid tool input")

// ToolDefinition describes one tool for the model runtime.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

const executeJavaScriptDescription = `Execute JavaScript code on the current page. Supports async/await syntax. Use with caution!
Your js code must contain a main function.

example:

async function main(context) {
	// all your logic code here
	// you can use the shortcuts in context
	let log = ""
	log += "Hello world"
	return log
}`

func descriptionProperty() map[string]any {
	return map[string]any{"type": "string", "description": "what you want to do"}
}

// Tools returns the tool definitions exposed to the model runtime.
func Tools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        ToolExecuteJavaScript,
			Description: executeJavaScriptDescription,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description": descriptionProperty(),
					"js_code":     map[string]any{"type": "string"},
					"wait_after_run": map[string]any{
						"type":        "number",
						"default":     DefaultWaitAfterRun.Seconds(),
						"description": "wait for x seconds after running the code",
					},
					"wait_before_run": map[string]any{
						"type":        "number",
						"default":     DefaultWaitBeforeRun.Seconds(),
						"description": "wait for x seconds before running the code",
					},
				},
				"required": []string{"description", "js_code"},
			},
		},
		{
			Name:        ToolGetBrowserState,
			Description: "Get the browser state.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description": descriptionProperty(),
				},
				"required": []string{"description"},
			},
		},
	}
}

// Policies marks both tools interruptible with respond and reject allowed.
func Policies() []interrupt.Policy {
	allowed := []interrupt.DecisionKind{interrupt.KindRespond, interrupt.KindReject}
	return []interrupt.Policy{
		{Tool: ToolExecuteJavaScript, Interruptible: true, Allowed: allowed},
		{Tool: ToolGetBrowserState, Interruptible: true, Allowed: allowed},
	}
}

// ExecuteJavaScriptInput holds the parsed inputs of execute_javascript.
type ExecuteJavaScriptInput struct {
	Description   string
	JSCode        string
	WaitAfterRun  time.Duration
	WaitBeforeRun time.Duration
}

// GetBrowserStateInput holds the parsed inputs of get_browser_state.
type GetBrowserStateInput struct {
	Description string
}

type rawExecuteJavaScript struct {
	Description   string   `json:"description"`
	JSCode        string   `json:"js_code"`
	WaitAfterRun  *float64 `json:"wait_after_run"`
	WaitBeforeRun *float64 `json:"wait_before_run"`
}

// Waits are the values used when a call omits wait_before_run or wait_after_run.
type Waits struct {
	Before time.Duration
	After  time.Duration
}

// DefaultWaits matches the defaults advertised in the tool schema.
var DefaultWaits = Waits{Before: DefaultWaitBeforeRun, After: DefaultWaitAfterRun}

// ParseExecuteJavaScript decodes inputs, applying defaults for absent waits.
// An empty js_code is not an error here; the executor treats it as nothing
// to run.
func ParseExecuteJavaScript(inputs map[string]any, defaults Waits) (ExecuteJavaScriptInput, error) {
	var raw rawExecuteJavaScript
	if err := decode(inputs, &raw); err != nil {
		return ExecuteJavaScriptInput{}, err
	}
	after, err := seconds("wait_after_run", raw.WaitAfterRun, defaults.After)
	if err != nil {
		return ExecuteJavaScriptInput{}, err
	}
	before, err := seconds("wait_before_run", raw.WaitBeforeRun, defaults.Before)
	if err != nil {
		return ExecuteJavaScriptInput{}, err
	}
	return ExecuteJavaScriptInput{
		Description:   raw.Description,
		JSCode:        raw.JSCode,
		WaitAfterRun:  after,
		WaitBeforeRun: before,
	}, nil
}

// ParseGetBrowserState decodes inputs. Description may be empty.
func ParseGetBrowserState(inputs map[string]any) (GetBrowserStateInput, error) {
	var in GetBrowserStateInput
	raw := struct {
		Description string `json:"description"`
	}{}
	if err := decode(inputs, &raw); err != nil {
		return in, err
	}
	in.Description = strings.TrimSpace(raw.Description)
	return in, nil
}

func decode(inputs map[string]any, out any) error {
	if inputs == nil {
		return nil
	}
	b, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// maxWaitSeconds is the longest wait a time.Duration can hold.
var maxWaitSeconds = math.MaxInt64 / float64(time.Second)

func seconds(name string, v *float64, def time.Duration) (time.Duration, error) {
	if v == nil {
		return def, nil
	}
	switch {
	case math.IsNaN(*v):
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidInput, name)
	case *v < 0:
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidInput, name)
	case *v >= maxWaitSeconds:
		return 0, fmt.Errorf("%w: %s exceeds %.0f seconds", ErrInvalidInput, name, maxWaitSeconds)
	}
	return time.Duration(*v * float64(time.Second)), nil
}
