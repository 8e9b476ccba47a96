package tools

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"sshmux-mcp/internal/mcperr"
)

// validationError marks a schema failure. It shares ToolError's wire
// code with runtime tool failures; data.details tells them apart.
func validationError(format string, args ...any) *mcperr.Error {
	return mcperr.Newf(mcperr.ToolError, format, args...).
		WithDetails("parameter validation failed")
}

// ValidateParams checks args against the tool's parameter specs and
// returns a new map holding only declared keys with coerced values.
// Specs are processed in declaration order; unknown keys are rejected.
func ValidateParams(t *Tool, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	out := make(map[string]any, len(t.Params))
	declared := make(map[string]bool, len(t.Params))

	for i := range t.Params {
		p := &t.Params[i]
		declared[p.Name] = true

		raw, present := args[p.Name]
		if !present {
			if p.Required {
				return nil, validationError("Required parameter '%s' is missing", p.Name)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}

		val, err := coerce(p, raw)
		if err != nil {
			return nil, err
		}

		if len(p.Enum) > 0 {
			s, _ := val.(string)
			if !containsString(p.Enum, s) {
				return nil, validationError("Parameter '%s' must be one of: %s",
					p.Name, strings.Join(p.Enum, ", "))
			}
		}

		if p.Type == TypeInteger || p.Type == TypeNumber {
			n := toFloat(val)
			if p.Minimum != nil && n < *p.Minimum {
				return nil, validationError("Parameter '%s' must be >= %v", p.Name, *p.Minimum)
			}
			if p.Maximum != nil && n > *p.Maximum {
				return nil, validationError("Parameter '%s' must be <= %v", p.Name, *p.Maximum)
			}
		}

		if p.Type == TypeString && p.Pattern != "" {
			re := p.pattern
			if re == nil {
				re = regexp.MustCompile(p.Pattern)
			}
			if !re.MatchString(val.(string)) {
				return nil, validationError("Parameter '%s' must match pattern %s", p.Name, p.Pattern)
			}
		}

		out[p.Name] = val
	}

	var unexpected []string
	for k := range args {
		if !declared[k] {
			unexpected = append(unexpected, k)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return nil, validationError("Unexpected parameters: %s", strings.Join(unexpected, ", "))
	}

	return out, nil
}

// coerce type-checks one value against its spec, converting the JSON
// decoder's representations to the declared type. Booleans never
// satisfy integer or number targets.
func coerce(p *Param, v any) (any, error) {
	switch p.Type {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, validationError("Parameter '%s' must be a string, got %s", p.Name, jsonTypeName(v))

	case TypeInteger:
		switch n := v.(type) {
		case bool:
			return nil, validationError("Parameter '%s' must be an integer, got boolean", p.Name)
		case float64:
			if n != math.Trunc(n) {
				return nil, validationError("Parameter '%s' must be an integer", p.Name)
			}
			return int(n), nil
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(n))
			if err != nil {
				return nil, validationError("Parameter '%s' must be an integer", p.Name)
			}
			return i, nil
		default:
			return nil, validationError("Parameter '%s' must be an integer, got %s", p.Name, jsonTypeName(v))
		}

	case TypeNumber:
		switch n := v.(type) {
		case bool:
			return nil, validationError("Parameter '%s' must be a number, got boolean", p.Name)
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, validationError("Parameter '%s' must be a number", p.Name)
			}
			return f, nil
		default:
			return nil, validationError("Parameter '%s' must be a number, got %s", p.Name, jsonTypeName(v))
		}

	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true", "1", "yes", "on":
				return true, nil
			case "false", "0", "no", "off":
				return false, nil
			}
			return nil, validationError("Parameter '%s' must be a boolean", p.Name)
		default:
			return nil, validationError("Parameter '%s' must be a boolean, got %s", p.Name, jsonTypeName(v))
		}

	case TypeObject:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return nil, validationError("Parameter '%s' must be an object, got %s", p.Name, jsonTypeName(v))

	case TypeArray:
		if a, ok := v.([]any); ok {
			return a, nil
		}
		return nil, validationError("Parameter '%s' must be an array, got %s", p.Name, jsonTypeName(v))
	}

	return nil, validationError("Parameter '%s' has unsupported type %s", p.Name, p.Type)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func containsString(set []string, s string) bool {
	for _, e := range set {
		if e == s {
			return true
		}
	}
	return false
}

// jsonTypeName names v the way a JSON document would.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
