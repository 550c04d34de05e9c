package bus

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBadFilter = errors.New("bus: invalid topic filter")

// ValidateFilter checks MQTT filter syntax: wildcards must occupy a whole
// level and '#' may only appear as the final level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrBadFilter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch level {
		case "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrBadFilter, filter)
			}
		case "+":
		default:
			if strings.ContainsAny(level, "+#") {
				return fmt.Errorf("%w: wildcard inside level %q of %q", ErrBadFilter, level, filter)
			}
		}
	}
	return nil
}

// MatchTopic reports whether filter matches the concrete topic per MQTT
// wildcard rules: '+' matches exactly one level, '#' matches the remainder
// including zero levels.
func MatchTopic(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i := 0; i < len(f); i++ {
		switch f[i] {
		case "#":
			return true
		case "+":
			if i >= len(t) {
				return false
			}
		default:
			if i >= len(t) || f[i] != t[i] {
				return false
			}
		}
	}
	return len(f) == len(t)
}

// Specificity ranks a filter for dispatch ordering: literal levels beat
// '+' which beats '#'. Higher values dispatch first.
func Specificity(filter string) int {
	score := 0
	for _, level := range strings.Split(filter, "/") {
		switch level {
		case "#":
		case "+":
			score += 1
		default:
			score += 2
		}
	}
	return score
}
