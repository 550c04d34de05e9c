package bus

import "testing"

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		topic  string
		want   bool
	}{
		{"exact", "alicia/voice/command", "alicia/voice/command", true},
		{"exact mismatch", "alicia/voice/command", "alicia/voice/response", false},
		{"plus one level", "alicia/health/+", "alicia/health/voice_router", true},
		{"plus wrong depth", "alicia/health/+", "alicia/health/voice_router/extra", false},
		{"plus requires level", "alicia/health/+", "alicia/health", false},
		{"plus mid filter", "alicia/devices/+/ack", "alicia/devices/lamp-1/ack", true},
		{"plus mid filter mismatch", "alicia/devices/+/ack", "alicia/devices/lamp-1/state", false},
		{"hash remainder", "alicia/#", "alicia/voice/command", true},
		{"hash matches parent", "alicia/#", "alicia", true},
		{"hash alone", "#", "anything/at/all", true},
		{"hash after literal mismatch", "alicia/#", "other/voice/command", false},
		{"filter longer than topic", "alicia/voice/command", "alicia/voice", false},
		{"topic longer than filter", "alicia/voice", "alicia/voice/command", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchTopic(tt.filter, tt.topic); got != tt.want {
				t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
			}
		})
	}
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		filter  string
		wantErr bool
	}{
		{"alicia/voice/command", false},
		{"alicia/health/+", false},
		{"alicia/#", false},
		{"#", false},
		{"+", false},
		{"", true},
		{"alicia/#/state", true},
		{"alicia/dev+/state", true},
		{"alicia/state#", true},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			err := ValidateFilter(tt.filter)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFilter(%q) error = %v, wantErr %v", tt.filter, err, tt.wantErr)
			}
		})
	}
}

func TestSpecificity(t *testing.T) {
	tests := []struct {
		filter string
		want   int
	}{
		{"alicia/voice/command", 6},
		{"alicia/health/+", 5},
		{"alicia/devices/+/ack", 7},
		{"alicia/#", 2},
		{"#", 0},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			if got := Specificity(tt.filter); got != tt.want {
				t.Errorf("Specificity(%q) = %d, want %d", tt.filter, got, tt.want)
			}
		})
	}

	if Specificity("alicia/voice/command") <= Specificity("alicia/voice/+") {
		t.Error("literal filter should rank above single-level wildcard")
	}
	if Specificity("alicia/voice/+") <= Specificity("alicia/#") {
		t.Error("single-level wildcard should rank above multi-level wildcard")
	}
}
