package device

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/alicia-home/alicia/internal/protocol"
)

// ValidationError lists every offending parameter of a rejected command.
// Collecting all failures in one pass saves the caller a retry loop per
// field.
type ValidationError struct {
	Fields []protocol.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Parameter + ": " + f.Reason
	}
	return "device: validation failed: " + strings.Join(parts, "; ")
}

// Payload renders the error for the bus.
func (e *ValidationError) Payload() *protocol.ErrorPayload {
	return protocol.NewError(protocol.CodeValidationFailed, "command validation failed", e.Fields...)
}

// validateParameters checks params against the capability's schema and
// returns one FieldError per violation: missing required parameters, unknown
// parameters, type mismatches, range and enum violations.
func validateParameters(schema protocol.Capability, params map[string]any) []protocol.FieldError {
	var fields []protocol.FieldError

	byName := make(map[string]protocol.Parameter, len(schema.Parameters))
	for _, p := range schema.Parameters {
		byName[p.Name] = p
		if p.Required {
			if _, ok := params[p.Name]; !ok {
				fields = append(fields, protocol.FieldError{Parameter: p.Name, Reason: "required"})
			}
		}
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok := byName[name]
		if !ok {
			fields = append(fields, protocol.FieldError{Parameter: name, Reason: "unknown_parameter"})
			continue
		}
		if f := checkParameter(p, params[name]); f != nil {
			fields = append(fields, *f)
		}
	}
	return fields
}

func checkParameter(p protocol.Parameter, v any) *protocol.FieldError {
	switch p.Type {
	case protocol.ParamBool:
		if _, ok := v.(bool); !ok {
			return &protocol.FieldError{Parameter: p.Name, Reason: "wrong_type", Allowed: "bool"}
		}

	case protocol.ParamInt:
		f, ok := asFloat(v)
		if !ok || f != math.Trunc(f) {
			return &protocol.FieldError{Parameter: p.Name, Reason: "wrong_type", Allowed: "int"}
		}
		if out := checkRange(p, f); out != nil {
			return out
		}

	case protocol.ParamFloat:
		f, ok := asFloat(v)
		if !ok {
			return &protocol.FieldError{Parameter: p.Name, Reason: "wrong_type", Allowed: "float"}
		}
		if out := checkRange(p, f); out != nil {
			return out
		}

	case protocol.ParamString:
		if _, ok := v.(string); !ok {
			return &protocol.FieldError{Parameter: p.Name, Reason: "wrong_type", Allowed: "string"}
		}

	case protocol.ParamEnum:
		s, ok := v.(string)
		if !ok {
			return &protocol.FieldError{Parameter: p.Name, Reason: "wrong_type", Allowed: "string"}
		}
		for _, allowed := range p.Enum {
			if s == allowed {
				return nil
			}
		}
		return &protocol.FieldError{Parameter: p.Name, Reason: "not_in_enum", Allowed: strings.Join(p.Enum, "|")}

	default:
		return &protocol.FieldError{Parameter: p.Name, Reason: "unknown_type", Allowed: string(p.Type)}
	}
	return nil
}

func checkRange(p protocol.Parameter, f float64) *protocol.FieldError {
	if p.Min == nil && p.Max == nil {
		return nil
	}
	if (p.Min != nil && f < *p.Min) || (p.Max != nil && f > *p.Max) {
		return &protocol.FieldError{Parameter: p.Name, Reason: "out_of_range", Allowed: rangeString(p.Min, p.Max)}
	}
	return nil
}

func rangeString(min, max *float64) string {
	lo, hi := "-inf", "inf"
	if min != nil {
		lo = strconv.FormatFloat(*min, 'f', -1, 64)
	}
	if max != nil {
		hi = strconv.FormatFloat(*max, 'f', -1, 64)
	}
	return fmt.Sprintf("[%s,%s]", lo, hi)
}

// asFloat widens the numeric types a parameter can arrive as: float64 from
// JSON, native ints from in-process callers.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
