package settingsmeta

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValidateValue checks a wire value against the metadata.
// It never consults WarningThreshold; warnings are advisory only.
func (m Meta) ValidateValue(value string) error {
	switch {
	case m.InputType.Numeric():
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("value must be an integer")
		}
		if m.Min != nil && float64(n) < *m.Min {
			return fmt.Errorf("value must be at least %v", *m.Min)
		}
		if m.Max != nil && float64(n) > *m.Max {
			return fmt.Errorf("value must be at most %v", *m.Max)
		}

	case m.InputType == InputBoolean:
		if value != "true" && value != "false" {
			return fmt.Errorf("value must be true or false")
		}

	case m.InputType == InputSelect:
		if len(m.Presets) == 0 {
			return nil
		}
		for _, p := range m.Presets {
			if p.Value == value {
				return nil
			}
		}
		return fmt.Errorf("value must be one of %s", strings.Join(m.presetValues(), ", "))

	case m.InputType == InputTokenSymbolList || m.InputType == InputTokenList:
		var list []string
		if err := json.Unmarshal([]byte(value), &list); err != nil {
			return fmt.Errorf("value must be a JSON array of strings")
		}
		for _, item := range list {
			if strings.TrimSpace(item) == "" {
				return fmt.Errorf("list entries must not be empty")
			}
		}
	}
	return nil
}

func (m Meta) presetValues() []string {
	out := make([]string, len(m.Presets))
	for i, p := range m.Presets {
		out[i] = p.Value
	}
	return out
}
