package shortcut

import (
	"fmt"
	"math"
)

// ArgError reports a script argument of the wrong shape.
type ArgError struct {
	Position int
	Name     string
	Reason   string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("argument %d (%s) %s", e.Position+1, e.Name, e.Reason)
}

func arg(args []any, i int) (any, bool) {
	if i >= len(args) || args[i] == nil {
		return nil, false
	}
	return args[i], true
}

// IntArg reads a whole number. Script numbers arrive as int64 or float64.
func IntArg(args []any, i int, name string) (int, error) {
	v, ok := arg(args, i)
	if !ok {
		return 0, &ArgError{Position: i, Name: name, Reason: "is required"}
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, &ArgError{Position: i, Name: name, Reason: "must be an integer"}
		}
		return int(n), nil
	}
	return 0, &ArgError{Position: i, Name: name, Reason: fmt.Sprintf("must be a number, got %T", v)}
}

// FloatArg reads a number, falling back to def when the argument is absent.
func FloatArg(args []any, i int, name string, def float64) (float64, error) {
	v, ok := arg(args, i)
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, &ArgError{Position: i, Name: name, Reason: fmt.Sprintf("must be a number, got %T", v)}
}

// StringArg reads a string. Numbers are accepted and formatted.
func StringArg(args []any, i int, name string) (string, error) {
	v, ok := arg(args, i)
	if !ok {
		return "", &ArgError{Position: i, Name: name, Reason: "is required"}
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case int64, float64, int:
		return fmt.Sprint(s), nil
	}
	return "", &ArgError{Position: i, Name: name, Reason: fmt.Sprintf("must be a string, got %T", v)}
}

// BoolArg reads a boolean, falling back to def when the argument is absent.
func BoolArg(args []any, i int, name string, def bool) (bool, error) {
	v, ok := arg(args, i)
	if !ok {
		return def, nil
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, &ArgError{Position: i, Name: name, Reason: fmt.Sprintf("must be a boolean, got %T", v)}
	}
	return b, nil
}
