package domain

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeState decodes the state into a typed struct using `mapstructure` tags.
// Weak typing is enabled because JSON-backed stores return numbers as float64.
// Integers are therefore exact only up to 2^53 once a checkpoint has been
// persisted; store larger values as strings.
func DecodeState(s State, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("failed to build state decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(s)); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return nil
}

// EncodeState flattens a typed struct back into a partial state update.
func EncodeState(in any) (State, error) {
	out := map[string]any{}
	if err := mapstructure.Decode(in, &out); err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return State(out), nil
}
