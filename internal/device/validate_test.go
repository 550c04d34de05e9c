package device

import (
	"strings"
	"testing"

	"github.com/alicia-home/alicia/internal/protocol"
)

func fptr(v float64) *float64 { return &v }

func brightnessCapability() protocol.Capability {
	return protocol.Capability{
		Name: "set_brightness",
		Parameters: []protocol.Parameter{
			{Name: "level", Type: protocol.ParamInt, Required: true, Min: fptr(0), Max: fptr(100)},
			{Name: "transition_ms", Type: protocol.ParamInt, Min: fptr(0), Max: fptr(60000)},
		},
	}
}

func TestValidateParametersOutOfRange(t *testing.T) {
	fields := validateParameters(brightnessCapability(), map[string]any{"level": 150})
	if len(fields) != 1 {
		t.Fatalf("fields = %+v, want exactly one", fields)
	}
	want := protocol.FieldError{Parameter: "level", Reason: "out_of_range", Allowed: "[0,100]"}
	if fields[0] != want {
		t.Errorf("field = %+v, want %+v", fields[0], want)
	}
}

func TestValidateParametersRequired(t *testing.T) {
	fields := validateParameters(brightnessCapability(), nil)
	if len(fields) != 1 {
		t.Fatalf("fields = %+v, want exactly one", fields)
	}
	if fields[0].Parameter != "level" || fields[0].Reason != "required" {
		t.Errorf("field = %+v, want level/required", fields[0])
	}
}

func TestValidateParametersUnknown(t *testing.T) {
	fields := validateParameters(brightnessCapability(), map[string]any{"level": 50, "color": "red"})
	if len(fields) != 1 {
		t.Fatalf("fields = %+v, want exactly one", fields)
	}
	if fields[0].Parameter != "color" || fields[0].Reason != "unknown_parameter" {
		t.Errorf("field = %+v, want color/unknown_parameter", fields[0])
	}
}

func TestValidateParametersTypes(t *testing.T) {
	schema := protocol.Capability{
		Name: "configure",
		Parameters: []protocol.Parameter{
			{Name: "on", Type: protocol.ParamBool},
			{Name: "count", Type: protocol.ParamInt},
			{Name: "ratio", Type: protocol.ParamFloat},
			{Name: "label", Type: protocol.ParamString},
			{Name: "mode", Type: protocol.ParamEnum, Enum: []string{"auto", "manual", "off"}},
		},
	}

	tests := []struct {
		name       string
		params     map[string]any
		wantReason string
		wantAllow  string
	}{
		{"bool given string", map[string]any{"on": "yes"}, "wrong_type", "bool"},
		{"int given fraction", map[string]any{"count": 1.5}, "wrong_type", "int"},
		{"int given json number", map[string]any{"count": float64(30)}, "", ""},
		{"float given string", map[string]any{"ratio": "fast"}, "wrong_type", "float"},
		{"float given int", map[string]any{"ratio": 2}, "", ""},
		{"string given number", map[string]any{"label": 7}, "wrong_type", "string"},
		{"enum outside set", map[string]any{"mode": "turbo"}, "not_in_enum", "auto|manual|off"},
		{"enum inside set", map[string]any{"mode": "manual"}, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := validateParameters(schema, tt.params)
			if tt.wantReason == "" {
				if len(fields) != 0 {
					t.Fatalf("fields = %+v, want none", fields)
				}
				return
			}
			if len(fields) != 1 {
				t.Fatalf("fields = %+v, want exactly one", fields)
			}
			if fields[0].Reason != tt.wantReason || fields[0].Allowed != tt.wantAllow {
				t.Errorf("field = %+v, want reason %q allowed %q", fields[0], tt.wantReason, tt.wantAllow)
			}
		})
	}
}

func TestValidateParametersCollectsAll(t *testing.T) {
	schema := protocol.Capability{
		Name: "set_mode",
		Parameters: []protocol.Parameter{
			{Name: "level", Type: protocol.ParamInt, Required: true, Min: fptr(0), Max: fptr(100)},
			{Name: "mode", Type: protocol.ParamEnum, Enum: []string{"auto", "manual"}},
		},
	}
	fields := validateParameters(schema, map[string]any{"zzz": 1, "mode": "turbo"})
	if len(fields) != 3 {
		t.Fatalf("fields = %+v, want three", fields)
	}
	// Missing required parameters come first, then offending parameters in
	// name order.
	if fields[0].Parameter != "level" || fields[0].Reason != "required" {
		t.Errorf("fields[0] = %+v, want level/required", fields[0])
	}
	if fields[1].Parameter != "mode" || fields[1].Reason != "not_in_enum" {
		t.Errorf("fields[1] = %+v, want mode/not_in_enum", fields[1])
	}
	if fields[2].Parameter != "zzz" || fields[2].Reason != "unknown_parameter" {
		t.Errorf("fields[2] = %+v, want zzz/unknown_parameter", fields[2])
	}
}

func TestValidationErrorRendering(t *testing.T) {
	ve := &ValidationError{Fields: []protocol.FieldError{
		{Parameter: "level", Reason: "out_of_range", Allowed: "[0,100]"},
		{Parameter: "mode", Reason: "required"},
	}}

	msg := ve.Error()
	if !strings.Contains(msg, "level: out_of_range") || !strings.Contains(msg, "mode: required") {
		t.Errorf("Error() = %q, want both field summaries", msg)
	}

	payload := ve.Payload()
	if payload.Code != protocol.CodeValidationFailed {
		t.Errorf("payload code = %q, want %q", payload.Code, protocol.CodeValidationFailed)
	}
	if len(payload.Fields) != 2 {
		t.Errorf("payload fields = %+v, want two", payload.Fields)
	}
}
