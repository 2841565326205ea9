package runner

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"gopkg.in/yaml.v3"
)

// ParseDecision reads a decision typed by a reviewer.
//
//	approve | a | yes | y
//	reject [reason] | r [reason]
//	replace key=value [key=value ...]
//	replace {key: value, ...}
//
// Replace values are YAML scalars or flow collections, so `count=3` stores a number
// and `tags=[a,b]` a list.
func ParseDecision(line string) (domain.Decision, error) {
	line = strings.TrimSpace(line)
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "approve", "a", "yes", "y":
		return domain.Approve(), nil
	case "reject", "r", "no", "n":
		return domain.Reject(rest), nil
	case "replace", "edit", "e":
		fields, err := parseFields(rest)
		if err != nil {
			return domain.Decision{}, err
		}
		return domain.Replace(fields), nil
	case "":
		return domain.Decision{}, fmt.Errorf("empty decision")
	}
	return domain.Decision{}, fmt.Errorf("unknown decision %q (use approve, reject or replace)", cmd)
}

func parseFields(rest string) (domain.State, error) {
	if rest == "" {
		return nil, fmt.Errorf("replace needs at least one key=value")
	}

	fields := domain.State{}
	if strings.HasPrefix(rest, "{") {
		if err := yaml.Unmarshal([]byte(rest), &fields); err != nil {
			return nil, fmt.Errorf("invalid replace object: %w", err)
		}
		return fields, nil
	}

	for _, pair := range strings.Fields(rest) {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("invalid value for %q: %w", key, err)
		}
		fields[key] = value
	}
	return fields, nil
}
