package runner

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aretw0/espalier/pkg/domain"
)

var (
	// DefaultMaxInputSize is 4KB (conservative default)
	DefaultMaxInputSize = 4096
	// EnvMaxInputSize is the environment variable to override the default
	EnvMaxInputSize = "ESPALIER_MAX_INPUT_SIZE"
)

var (
	ErrInputTooLarge = errors.New("input exceeds maximum allowed size")
	ErrInvalidUTF8   = errors.New("input contains invalid UTF-8 sequences")
)

// SanitizeInput rejects oversized or invalid UTF-8 text and strips control characters
// other than newline, tab and carriage return, so reviewer text cannot poison logs or terminals.
func SanitizeInput(input string) (string, error) {
	if limit := maxInputSize(); len(input) > limit {
		// Rejected rather than truncated: a cut reason would be stored as if it were complete.
		return "", fmt.Errorf("%w: size=%d limit=%d", ErrInputTooLarge, len(input), limit)
	}
	if !utf8.ValidString(input) {
		return "", ErrInvalidUTF8
	}
	if strings.IndexFunc(input, unsafeControl) < 0 {
		return input, nil
	}
	return strings.Map(func(r rune) rune {
		if unsafeControl(r) {
			return -1
		}
		return r
	}, input), nil
}

// SanitizeDecision cleans the reviewer-provided text of a decision:
// the reject reason and every string inside replace fields.
func SanitizeDecision(d domain.Decision) (domain.Decision, error) {
	reason, err := SanitizeInput(d.Reason)
	if err != nil {
		return d, fmt.Errorf("reason: %w", err)
	}
	d.Reason = reason

	if d.Fields != nil {
		fields := make(domain.State, len(d.Fields))
		for k, v := range d.Fields {
			clean, err := sanitizeValue(v)
			if err != nil {
				return d, fmt.Errorf("field %q: %w", k, err)
			}
			fields[k] = clean
		}
		d.Fields = fields
	}
	return d, nil
}

func sanitizeValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return SanitizeInput(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			clean, err := sanitizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			clean, err := sanitizeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = clean
		}
		return out, nil
	}
	return v, nil
}

func unsafeControl(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r'
}

func maxInputSize() int {
	if val := os.Getenv(EnvMaxInputSize); val != "" {
		if size, err := strconv.Atoi(val); err == nil && size > 0 {
			return size
		}
	}
	return DefaultMaxInputSize
}
